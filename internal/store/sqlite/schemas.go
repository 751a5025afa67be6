package sqlite

import "github.com/partokit/chartstore/internal/domain"

// Table names of the clinical entity tables.
const (
	TableBloodPressure    = "blood_pressure"
	TableBishopScore      = "bishop_score"
	TableOxytocinInfusion = "oxytocin_infusion"
	TableFetalHeartRate   = "fetal_heart_rate"
	TableCervicalDilation = "cervical_dilation"
	TableContraction      = "contraction"
)

// BloodPressureSchema maps domain.BloodPressure.
var BloodPressureSchema = Schema[*domain.BloodPressure]{
	Table: TableBloodPressure,
	New:   func() *domain.BloodPressure { return &domain.BloodPressure{} },
	Columns: []Column[*domain.BloodPressure]{
		IntColumn("systolic", func(e *domain.BloodPressure) *int { return &e.Systolic }),
		IntColumn("diastolic", func(e *domain.BloodPressure) *int { return &e.Diastolic }),
		NullIntColumn("pulse", func(e *domain.BloodPressure) **int { return &e.Pulse }),
		TextColumn("position", func(e *domain.BloodPressure) *string { return &e.Position }),
	},
}

// BishopScoreSchema maps domain.BishopScore.
var BishopScoreSchema = Schema[*domain.BishopScore]{
	Table: TableBishopScore,
	New:   func() *domain.BishopScore { return &domain.BishopScore{} },
	Columns: []Column[*domain.BishopScore]{
		IntColumn("dilation", func(e *domain.BishopScore) *int { return &e.Dilation }),
		IntColumn("effacement", func(e *domain.BishopScore) *int { return &e.Effacement }),
		IntColumn("station", func(e *domain.BishopScore) *int { return &e.Station }),
		IntColumn("consistency", func(e *domain.BishopScore) *int { return &e.Consistency }),
		IntColumn("cervix_position", func(e *domain.BishopScore) *int { return &e.Position }),
		IntColumn("total", func(e *domain.BishopScore) *int { return &e.Total }),
	},
}

// OxytocinInfusionSchema maps domain.OxytocinInfusion.
var OxytocinInfusionSchema = Schema[*domain.OxytocinInfusion]{
	Table: TableOxytocinInfusion,
	New:   func() *domain.OxytocinInfusion { return &domain.OxytocinInfusion{} },
	Columns: []Column[*domain.OxytocinInfusion]{
		FloatColumn("dose_mu_per_min", func(e *domain.OxytocinInfusion) *float64 { return &e.DoseMilliUnitsPerMin }),
		FloatColumn("rate_ml_per_hour", func(e *domain.OxytocinInfusion) *float64 { return &e.RateMlPerHour }),
		FloatColumn("concentration_u_per_l", func(e *domain.OxytocinInfusion) *float64 { return &e.ConcentrationUPerL }),
		BoolColumn("running", func(e *domain.OxytocinInfusion) *bool { return &e.Running }),
		TextColumn("notes", func(e *domain.OxytocinInfusion) *string { return &e.Notes }),
	},
}

// FetalHeartRateSchema maps domain.FetalHeartRate.
var FetalHeartRateSchema = Schema[*domain.FetalHeartRate]{
	Table: TableFetalHeartRate,
	New:   func() *domain.FetalHeartRate { return &domain.FetalHeartRate{} },
	Columns: []Column[*domain.FetalHeartRate]{
		IntColumn("bpm", func(e *domain.FetalHeartRate) *int { return &e.BeatsPerMinute }),
		TextColumn("variability", func(e *domain.FetalHeartRate) *string { return &e.Variability }),
		TextColumn("deceleration", func(e *domain.FetalHeartRate) *string { return &e.Deceleration }),
	},
}

// CervicalDilationSchema maps domain.CervicalDilation.
var CervicalDilationSchema = Schema[*domain.CervicalDilation]{
	Table: TableCervicalDilation,
	New:   func() *domain.CervicalDilation { return &domain.CervicalDilation{} },
	Columns: []Column[*domain.CervicalDilation]{
		FloatColumn("dilation_cm", func(e *domain.CervicalDilation) *float64 { return &e.DilationCm }),
		NullIntColumn("descent_fifths", func(e *domain.CervicalDilation) **int { return &e.DescentFifths }),
	},
}

// ContractionSchema maps domain.Contraction.
var ContractionSchema = Schema[*domain.Contraction]{
	Table: TableContraction,
	New:   func() *domain.Contraction { return &domain.Contraction{} },
	Columns: []Column[*domain.Contraction]{
		IntColumn("per_ten_minutes", func(e *domain.Contraction) *int { return &e.PerTenMinutes }),
		IntColumn("duration_seconds", func(e *domain.Contraction) *int { return &e.DurationSeconds }),
		TextColumn("strength", func(e *domain.Contraction) *string { return &e.Strength }),
	},
}
