package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"math/rand"
	"net/http"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/medinexa/clinic-queue/internal/config"
	"github.com/medinexa/clinic-queue/internal/db"
)

// simulate hammers one clinic's queue with concurrent patient bookings and a
// clinic session advancing the queue, then verifies the token-uniqueness and
// single-serving invariants directly against Postgres.

type SimConfig struct {
	APIBaseURL  string
	Duration    time.Duration
	Patients    int
	JWTSecret   string
	PostgresDSN string
}

type counters struct {
	booked    int64
	conflicts int64
	cancelled int64
	called    int64
	completed int64
	errors    int64
}

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Println("simulator starting")

	baseCfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	cfg := SimConfig{
		APIBaseURL:  getEnv("SIM_API_BASE_URL", "http://localhost:8080"),
		Duration:    getDuration("SIM_DURATION", 30*time.Second),
		Patients:    getInt("SIM_PATIENTS", 50),
		JWTSecret:   baseCfg.JWTSecret,
		PostgresDSN: baseCfg.PostgresDSN,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	pgPool, err := db.ConnectPostgres(ctx, cfg.PostgresDSN)
	cancel()
	if err != nil {
		log.Fatalf("connect postgres: %v", err)
	}
	defer pgPool.Close()

	clinicID, patientIDs, err := loadIDs(context.Background(), pgPool, cfg.Patients)
	if err != nil {
		log.Fatalf("load ids: %v", err)
	}
	log.Printf("simulating clinic=%s patients=%d duration=%s", clinicID, len(patientIDs), cfg.Duration)

	client := &http.Client{Timeout: 10 * time.Second}
	var c counters

	runCtx, stop := context.WithTimeout(context.Background(), cfg.Duration)
	defer stop()

	var wg sync.WaitGroup
	for _, pid := range patientIDs {
		wg.Add(1)
		go func(pid uuid.UUID) {
			defer wg.Done()
			patientLoop(runCtx, client, cfg, clinicID, pid, &c)
		}(pid)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		clinicLoop(runCtx, client, cfg, clinicID, &c)
	}()

	wg.Wait()

	log.Printf("booked=%d cancelled=%d called=%d completed=%d conflicts=%d errors=%d",
		atomic.LoadInt64(&c.booked), atomic.LoadInt64(&c.cancelled),
		atomic.LoadInt64(&c.called), atomic.LoadInt64(&c.completed),
		atomic.LoadInt64(&c.conflicts), atomic.LoadInt64(&c.errors))

	if err := verifyInvariants(context.Background(), pgPool, clinicID); err != nil {
		log.Fatalf("INVARIANT VIOLATION: %v", err)
	}
	log.Println("invariants hold: tokens unique among non-cancelled, at most one serving")
}

func patientLoop(ctx context.Context, client *http.Client, cfg SimConfig, clinicID, patientID uuid.UUID, c *counters) {
	token := mintToken(cfg.JWTSecret, patientID, "patient")

	for ctx.Err() == nil {
		body, _ := json.Marshal(map[string]string{"clinic_id": clinicID.String()})
		status, resp := doRequest(ctx, client, token, http.MethodPost, cfg.APIBaseURL+"/appointments", body)
		switch status {
		case http.StatusCreated:
			atomic.AddInt64(&c.booked, 1)
			// Some patients change their mind while still waiting.
			if rand.Float64() < 0.2 {
				var appt struct {
					ID string `json:"id"`
				}
				if json.Unmarshal(resp, &appt) == nil {
					cs, _ := doRequest(ctx, client, token, http.MethodPost,
						cfg.APIBaseURL+"/appointments/"+appt.ID+"/cancel", nil)
					if cs == http.StatusOK {
						atomic.AddInt64(&c.cancelled, 1)
					}
				}
			}
		case http.StatusConflict:
			atomic.AddInt64(&c.conflicts, 1)
		case 0:
			return
		default:
			atomic.AddInt64(&c.errors, 1)
		}

		sleep(ctx, time.Duration(rand.Intn(400)+100)*time.Millisecond)
	}
}

func clinicLoop(ctx context.Context, client *http.Client, cfg SimConfig, clinicID uuid.UUID, c *counters) {
	token := mintToken(cfg.JWTSecret, clinicID, "clinic")

	for ctx.Err() == nil {
		status, _ := doRequest(ctx, client, token, http.MethodPost, cfg.APIBaseURL+"/clinic/queue/call-next", nil)
		if status == http.StatusOK {
			atomic.AddInt64(&c.called, 1)
			sleep(ctx, time.Duration(rand.Intn(200)+50)*time.Millisecond)
			if s, _ := doRequest(ctx, client, token, http.MethodPost, cfg.APIBaseURL+"/clinic/queue/complete", nil); s == http.StatusOK {
				atomic.AddInt64(&c.completed, 1)
			}
		} else if status == 0 {
			return
		}
		sleep(ctx, 100*time.Millisecond)
	}
}

func doRequest(ctx context.Context, client *http.Client, bearer, method, url string, body []byte) (int, []byte) {
	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		return 0, nil
	}
	req.Header.Set("Authorization", "Bearer "+bearer)
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return 0, nil
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, data
}

func mintToken(secret string, subject uuid.UUID, role string) string {
	claims := jwt.MapClaims{
		"sub":  subject.String(),
		"role": role,
		"exp":  time.Now().Add(time.Hour).Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		log.Fatalf("sign token: %v", err)
	}
	return signed
}

func loadIDs(ctx context.Context, pool *pgxpool.Pool, limit int) (uuid.UUID, []uuid.UUID, error) {
	var clinicID uuid.UUID
	err := pool.QueryRow(ctx, `
		SELECT id FROM clinics
		WHERE open_time IS NOT NULL AND close_time IS NOT NULL
		ORDER BY random()
		LIMIT 1
	`).Scan(&clinicID)
	if err != nil {
		return uuid.Nil, nil, fmt.Errorf("pick clinic: %w", err)
	}

	rows, err := pool.Query(ctx, `SELECT id FROM patients ORDER BY random() LIMIT $1`, limit)
	if err != nil {
		return uuid.Nil, nil, fmt.Errorf("pick patients: %w", err)
	}
	defer rows.Close()

	var patients []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return uuid.Nil, nil, err
		}
		patients = append(patients, id)
	}
	return clinicID, patients, rows.Err()
}

func verifyInvariants(ctx context.Context, pool *pgxpool.Pool, clinicID uuid.UUID) error {
	var dupTokens int
	err := pool.QueryRow(ctx, `
		SELECT COUNT(*)
		FROM (
			SELECT token
			FROM appointments
			WHERE clinic_id = $1 AND status <> 'cancelled'
			GROUP BY token
			HAVING COUNT(*) > 1
		) d
	`, clinicID).Scan(&dupTokens)
	if err != nil {
		return err
	}
	if dupTokens > 0 {
		return fmt.Errorf("%d duplicate token numbers among non-cancelled appointments", dupTokens)
	}

	var serving int
	err = pool.QueryRow(ctx, `
		SELECT COUNT(*)
		FROM appointments
		WHERE clinic_id = $1 AND status = 'serving'
	`, clinicID).Scan(&serving)
	if err != nil {
		return err
	}
	if serving > 1 {
		return fmt.Errorf("%d appointments serving at once", serving)
	}
	return nil
}

func sleep(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func getInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}
