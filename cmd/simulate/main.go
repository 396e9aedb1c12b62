package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"os"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/clinicsync/appointment-engine/internal/logging"
)

// simulate drives the HTTP API with concurrent patient and doctor actors.
// Because every status change is a compare-and-set on the record version,
// racing actors on the same appointment produce exactly one success and
// conflicts for the rest; the conflict counters below make that visible.

type SimConfig struct {
	APIBaseURL string
	Duration   time.Duration
	Workers    int
	Patients   int
	Doctors    int
}

func loadSimConfig() SimConfig {
	cfg := SimConfig{
		APIBaseURL: "http://localhost:8080",
		Duration:   30 * time.Second,
		Workers:    16,
		Patients:   50,
		Doctors:    10,
	}
	if v := os.Getenv("API_BASE_URL"); v != "" {
		cfg.APIBaseURL = v
	}
	if v := os.Getenv("SIM_DURATION"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Duration = d
		}
	}
	if v := os.Getenv("SIM_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Workers = n
		}
	}
	return cfg
}

type simAppointment struct {
	ID        uuid.UUID
	PatientID uuid.UUID
	DoctorID  uuid.UUID
}

type DataPool struct {
	Patients []uuid.UUID
	Doctors  []uuid.UUID

	mu           sync.RWMutex
	appointments []simAppointment
}

func (dp *DataPool) Add(a simAppointment) {
	dp.mu.Lock()
	defer dp.mu.Unlock()
	dp.appointments = append(dp.appointments, a)
}

func (dp *DataPool) Random() (simAppointment, bool) {
	dp.mu.RLock()
	defer dp.mu.RUnlock()
	if len(dp.appointments) == 0 {
		return simAppointment{}, false
	}
	return dp.appointments[rand.Intn(len(dp.appointments))], true
}

type OperationMetrics struct {
	Total    int64
	Success  int64
	Conflict int64
	Denied   int64
	Error    int64

	mu        sync.Mutex
	latencies []time.Duration
}

func (om *OperationMetrics) Record(latency time.Duration, status int) {
	atomic.AddInt64(&om.Total, 1)
	switch {
	case status >= 200 && status < 300:
		atomic.AddInt64(&om.Success, 1)
	case status == http.StatusConflict:
		atomic.AddInt64(&om.Conflict, 1)
	case status == http.StatusForbidden:
		atomic.AddInt64(&om.Denied, 1)
	default:
		atomic.AddInt64(&om.Error, 1)
	}

	om.mu.Lock()
	om.latencies = append(om.latencies, latency)
	om.mu.Unlock()
}

func (om *OperationMetrics) P95() time.Duration {
	om.mu.Lock()
	defer om.mu.Unlock()
	if len(om.latencies) == 0 {
		return 0
	}
	sorted := make([]time.Duration, len(om.latencies))
	copy(sorted, om.latencies)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	idx := len(sorted) * 95 / 100
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

type Metrics struct {
	Booking  OperationMetrics
	Confirm  OperationMetrics
	Complete OperationMetrics
	Cancel   OperationMetrics
}

func main() {
	logger := logging.New("simulate", os.Getenv("APP_ENV"))
	cfg := loadSimConfig()
	gofakeit.Seed(time.Now().UnixNano())

	pool := &DataPool{}
	for i := 0; i < cfg.Patients; i++ {
		pool.Patients = append(pool.Patients, uuid.New())
	}
	for i := 0; i < cfg.Doctors; i++ {
		pool.Doctors = append(pool.Doctors, uuid.New())
	}

	logger.Info().
		Str("base_url", cfg.APIBaseURL).
		Dur("duration", cfg.Duration).
		Int("workers", cfg.Workers).
		Msg("simulation starting")

	metrics := &Metrics{}
	client := &http.Client{Timeout: 10 * time.Second}
	deadline := time.Now().Add(cfg.Duration)

	var wg sync.WaitGroup
	for w := 0; w < cfg.Workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for time.Now().Before(deadline) {
				step(client, cfg, pool, metrics)
			}
		}()
	}
	wg.Wait()

	report(logger, "booking", &metrics.Booking)
	report(logger, "confirm", &metrics.Confirm)
	report(logger, "complete", &metrics.Complete)
	report(logger, "cancel", &metrics.Cancel)
}

func step(client *http.Client, cfg SimConfig, pool *DataPool, metrics *Metrics) {
	switch r := rand.Float64(); {
	case r < 0.4:
		book(client, cfg, pool, &metrics.Booking)
	case r < 0.65:
		transition(client, cfg, pool, "confirmed", &metrics.Confirm)
	case r < 0.85:
		transition(client, cfg, pool, "completed", &metrics.Complete)
	default:
		cancel(client, cfg, pool, &metrics.Cancel)
	}
}

func book(client *http.Client, cfg SimConfig, pool *DataPool, om *OperationMetrics) {
	patientID := pool.Patients[rand.Intn(len(pool.Patients))]
	doctorID := pool.Doctors[rand.Intn(len(pool.Doctors))]

	hour := gofakeit.Number(8, 17)
	minute := []int{0, 15, 30, 45}[gofakeit.Number(0, 3)]
	body, _ := json.Marshal(map[string]string{
		"doctor_id": doctorID.String(),
		"date":      gofakeit.DateRange(time.Now(), time.Now().AddDate(0, 1, 0)).Format("2006-01-02"),
		"time":      fmt.Sprintf("%02d:%02d", hour, minute),
		"location":  gofakeit.City(),
	})

	status, respBody, latency := do(client, "POST", cfg.APIBaseURL+"/appointments", patientID, "patient", body)
	om.Record(latency, status)

	if status == http.StatusCreated {
		var resp struct {
			ID uuid.UUID `json:"id"`
		}
		if err := json.Unmarshal(respBody, &resp); err == nil {
			pool.Add(simAppointment{ID: resp.ID, PatientID: patientID, DoctorID: doctorID})
		}
	}
}

func transition(client *http.Client, cfg SimConfig, pool *DataPool, target string, om *OperationMetrics) {
	appt, ok := pool.Random()
	if !ok {
		return
	}

	body, _ := json.Marshal(map[string]string{"status": target})
	url := fmt.Sprintf("%s/appointments/%s/status", cfg.APIBaseURL, appt.ID)
	status, _, latency := do(client, "POST", url, appt.DoctorID, "doctor", body)
	om.Record(latency, status)
}

func cancel(client *http.Client, cfg SimConfig, pool *DataPool, om *OperationMetrics) {
	appt, ok := pool.Random()
	if !ok {
		return
	}

	url := fmt.Sprintf("%s/appointments/%s", cfg.APIBaseURL, appt.ID)
	status, _, latency := do(client, "DELETE", url, appt.PatientID, "patient", nil)
	om.Record(latency, status)
}

func do(client *http.Client, method, url string, actorID uuid.UUID, role string, body []byte) (int, []byte, time.Duration) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		return 0, nil, 0
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Actor-Id", actorID.String())
	req.Header.Set("X-Actor-Role", role)

	start := time.Now()
	resp, err := client.Do(req)
	latency := time.Since(start)
	if err != nil {
		return 0, nil, latency
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, respBody, latency
}

func report(logger zerolog.Logger, name string, om *OperationMetrics) {
	logger.Info().
		Str("operation", name).
		Int64("total", atomic.LoadInt64(&om.Total)).
		Int64("success", atomic.LoadInt64(&om.Success)).
		Int64("conflict", atomic.LoadInt64(&om.Conflict)).
		Int64("denied", atomic.LoadInt64(&om.Denied)).
		Int64("error", atomic.LoadInt64(&om.Error)).
		Dur("p95", om.P95()).
		Msg("simulation result")
}
