package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"

	"github.com/medinexa/clinic-queue/internal/db"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Println("seed starting")

	_ = godotenv.Load()
	dsn := os.Getenv("POSTGRES_DSN")
	if dsn == "" {
		log.Fatal("POSTGRES_DSN is required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := db.ConnectPostgres(ctx, dsn)
	if err != nil {
		log.Fatalf("connect postgres: %v", err)
	}
	defer pool.Close()

	gofakeit.Seed(time.Now().UnixNano())

	if err := seedClinics(context.Background(), pool, 40); err != nil {
		log.Fatalf("seed clinics: %v", err)
	}
	if err := seedPatients(context.Background(), pool, 2000); err != nil {
		log.Fatalf("seed patients: %v", err)
	}

	log.Println("seed complete")
}

func seedClinics(ctx context.Context, pool *pgxpool.Pool, count int) error {
	log.Printf("seeding %d clinics", count)

	specialties := []string{
		"Family Medicine",
		"Dermatology",
		"Cardiology",
		"Orthopedics",
		"Pediatrics",
		"ENT",
		"Ophthalmology",
		"Dental",
	}

	// Scatter clinics around one city centre so distance ranking has
	// something to chew on.
	const centreLat, centreLng = 25.4358, 81.8463

	for i := 0; i < count; i++ {
		name := fmt.Sprintf("%s %s Clinic", gofakeit.LastName(), specialties[i%len(specialties)])
		address := gofakeit.Street() + ", " + gofakeit.City()
		lat := centreLat + gofakeit.Float64Range(-0.15, 0.15)
		lng := centreLng + gofakeit.Float64Range(-0.15, 0.15)
		fees := gofakeit.Number(2, 20) * 50
		avg := gofakeit.Number(5, 20)
		open := fmt.Sprintf("%02d:00", gofakeit.Number(7, 10))
		closeT := fmt.Sprintf("%02d:00", gofakeit.Number(17, 22))

		_, err := pool.Exec(ctx, `
			INSERT INTO clinics (id, name, address, latitude, longitude, fees, avg_time_per_patient,
				open_time, close_time, current_token, total_tokens, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, 0, 0, now(), now())
		`, uuid.New(), name, address, lat, lng, fees, avg, open, closeT)
		if err != nil {
			return fmt.Errorf("insert clinic %q: %w", name, err)
		}
	}
	return nil
}

func seedPatients(ctx context.Context, pool *pgxpool.Pool, count int) error {
	log.Printf("seeding %d patients", count)

	for i := 0; i < count; i++ {
		phone := gofakeit.Phone()
		_, err := pool.Exec(ctx, `
			INSERT INTO patients (id, name, phone, created_at, updated_at)
			VALUES ($1, $2, $3, now(), now())
		`, uuid.New(), gofakeit.Name(), phone)
		if err != nil {
			return fmt.Errorf("insert patient: %w", err)
		}
	}
	return nil
}
