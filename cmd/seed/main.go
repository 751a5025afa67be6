// Package main provides a tool to seed the local chart store with sample labour charts.
//
// It registers a handful of staff members and, for each subject, writes a
// plausible series of observations spaced over several hours so the batch
// and sync paths have realistic data to work with.
//
// Usage:
//
//	DATA_PATH=~/Partograph/data go run ./cmd/seed
//	SEED_SUBJECTS=50 SEED_HOURS=12 go run ./cmd/seed -data-path ~/Partograph/data
//
// Command-line flags are the chart store configuration flags.
package main

import (
	"context"
	"fmt"
	"log"
	"math/rand/v2"
	"os"
	"strconv"
	"time"

	"github.com/samber/do/v2"

	"github.com/partokit/chartstore/internal/device"
	"github.com/partokit/chartstore/internal/di"
	"github.com/partokit/chartstore/internal/di/providers"
	"github.com/partokit/chartstore/internal/domain"
	"github.com/partokit/chartstore/internal/id"
)

func main() {
	subjects := envInt("SEED_SUBJECTS", 10)
	hours := envInt("SEED_HOURS", 8)

	injector := di.NewContainer()
	defer func() {
		if err := injector.Shutdown(); err != nil {
			log.Printf("Shutdown error: %v", err)
		}
	}()

	if err := di.Bootstrap(injector); err != nil {
		log.Fatalf("Failed to open chart store: %v", err)
	}

	ctx := context.Background()
	db := do.MustInvoke[*providers.StoreHandle](injector)
	repos := do.MustInvoke[*providers.Repositories](injector)
	dev := do.MustInvoke[*device.Provider](injector)

	staff := []domain.Staff{
		{ID: id.New(), Name: "Amina Osei", Role: "midwife"},
		{ID: id.New(), Name: "Jonas Lindqvist", Role: "midwife"},
		{ID: id.New(), Name: "Priya Raman", Role: "obstetrician"},
	}
	for i := range staff {
		staff[i].UpdatedAt = time.Now().UnixMilli()
		if err := db.UpsertStaff(ctx, &staff[i]); err != nil {
			log.Fatalf("Failed to create staff %s: %v", staff[i].Name, err)
		}
	}
	fmt.Printf("Created %d staff members\n", len(staff))

	total := 0
	for range subjects {
		n, err := seedSubject(ctx, repos, dev.ID(), staff, hours)
		if err != nil {
			log.Fatalf("Failed to seed subject: %v", err)
		}
		total += n
	}

	fmt.Printf("Created %d observations for %d subjects\n", total, subjects)
}

func envInt(key string, def int) int {
	v, err := strconv.Atoi(os.Getenv(key))
	if err != nil || v <= 0 {
		return def
	}
	return v
}

func seedSubject(ctx context.Context, repos *providers.Repositories, deviceID string, staff []domain.Staff, hours int) (int, error) {
	subject := id.New()
	start := time.Now().Add(-time.Duration(hours) * time.Hour).Truncate(time.Minute)
	count := 0

	pick := func() domain.Session {
		return domain.NewSession(deviceID, staff[rand.IntN(len(staff))].ID)
	}
	base := func(sess domain.Session, at time.Time) domain.Versioned {
		return domain.Versioned{SubjectID: &subject, RecordedAt: at, RecordedBy: sess.StaffID}
	}

	// Admission assessment.
	sess := pick()
	bishop := &domain.BishopScore{
		Versioned:   base(sess, start),
		Dilation:    rand.IntN(3),
		Effacement:  rand.IntN(3),
		Station:     rand.IntN(2),
		Consistency: rand.IntN(3),
		Position:    rand.IntN(2),
	}
	bishop.Total = bishop.Sum()
	if _, err := repos.BishopScore.Save(ctx, sess, bishop); err != nil {
		return count, err
	}
	count++

	dilation := 3.0 + rand.Float64()
	dose := 2.0
	for m := 0; m <= hours*60; m += 30 {
		at := start.Add(time.Duration(m) * time.Minute)
		sess := pick()

		fhr := &domain.FetalHeartRate{
			Versioned:      base(sess, at),
			BeatsPerMinute: 120 + rand.IntN(40),
			Variability:    "normal",
		}
		if _, err := repos.FetalHeartRate.Save(ctx, sess, fhr); err != nil {
			return count, err
		}
		count++

		contraction := &domain.Contraction{
			Versioned:       base(sess, at),
			PerTenMinutes:   2 + rand.IntN(3),
			DurationSeconds: 20 + rand.IntN(40),
			Strength:        "moderate",
		}
		if _, err := repos.Contraction.Save(ctx, sess, contraction); err != nil {
			return count, err
		}
		count++

		if m%60 != 0 {
			continue
		}

		pulse := 70 + rand.IntN(30)
		bp := &domain.BloodPressure{
			Versioned: base(sess, at),
			Systolic:  105 + rand.IntN(35),
			Diastolic: 65 + rand.IntN(25),
			Pulse:     &pulse,
			Position:  "left lateral",
		}
		if _, err := repos.BloodPressure.Save(ctx, sess, bp); err != nil {
			return count, err
		}
		count++

		oxy := &domain.OxytocinInfusion{
			Versioned:            base(sess, at),
			DoseMilliUnitsPerMin: dose,
			RateMlPerHour:        dose * 6,
			ConcentrationUPerL:   10,
			Running:              true,
		}
		if _, err := repos.OxytocinInfusion.Save(ctx, sess, oxy); err != nil {
			return count, err
		}
		count++
		dose = min(dose+2, 20)

		if m%240 != 0 {
			continue
		}

		descent := max(5-m/120, 0)
		vex := &domain.CervicalDilation{
			Versioned:     base(sess, at),
			DilationCm:    min(dilation, 10),
			DescentFifths: &descent,
		}
		if _, err := repos.CervicalDilation.Save(ctx, sess, vex); err != nil {
			return count, err
		}
		count++
		dilation += 2 + rand.Float64()*2
	}

	return count, nil
}
