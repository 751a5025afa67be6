package domain

// The clinical measurements charted on a partograph. Each one is a Versioned
// record owned by a subject (the labor episode). The store performs no
// clinical range checks.

// BloodPressure is a maternal blood pressure and pulse reading.
type BloodPressure struct {
	Versioned
	Systolic  int    `json:"systolic"`
	Diastolic int    `json:"diastolic"`
	Pulse     *int   `json:"pulse,omitempty"`
	Position  string `json:"position,omitempty"` // sitting, supine, left lateral
}

// BishopScore is a cervical assessment.
type BishopScore struct {
	Versioned
	Dilation    int `json:"dilation"`
	Effacement  int `json:"effacement"`
	Station     int `json:"station"`
	Consistency int `json:"consistency"`
	Position    int `json:"position"`
	Total       int `json:"total"`
}

// Sum returns the component total. Calling code decides whether to store it in Total.
func (b *BishopScore) Sum() int {
	return b.Dilation + b.Effacement + b.Station + b.Consistency + b.Position
}

// OxytocinInfusion records the infusion state at a point in time.
type OxytocinInfusion struct {
	Versioned
	DoseMilliUnitsPerMin float64 `json:"dose_mu_per_min"`
	RateMlPerHour        float64 `json:"rate_ml_per_hour"`
	ConcentrationUPerL   float64 `json:"concentration_u_per_l"`
	Running              bool    `json:"running"`
	Notes                string  `json:"notes,omitempty"`
}

// FetalHeartRate is a fetal heart rate observation.
type FetalHeartRate struct {
	Versioned
	BeatsPerMinute int    `json:"bpm"`
	Variability    string `json:"variability,omitempty"`
	Deceleration   string `json:"deceleration,omitempty"`
}

// CervicalDilation is a vaginal examination plotted on the alert/action lines.
type CervicalDilation struct {
	Versioned
	DilationCm    float64 `json:"dilation_cm"`
	DescentFifths *int    `json:"descent_fifths,omitempty"`
}

// Contraction summarizes uterine contractions over a ten minute window.
type Contraction struct {
	Versioned
	PerTenMinutes   int    `json:"per_ten_minutes"`
	DurationSeconds int    `json:"duration_seconds"`
	Strength        string `json:"strength,omitempty"` // mild, moderate, strong
}
