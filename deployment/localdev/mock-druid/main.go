package main

import (
	"encoding/json"
	"io"
	"log"
	"math"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

const intervalLayout = "2006-01-02T15:04:05-07:00"

var dataSources = []string{"wikipedia", "checkout_latency", "payments"}

var periodSteps = map[string]time.Duration{
	"PT1M": time.Minute,
	"PT1H": time.Hour,
	"P1D":  24 * time.Hour,
	"P1W":  7 * 24 * time.Hour,
	"P1M":  30 * 24 * time.Hour,
}

func main() {
	addr := ":8082"
	if v := os.Getenv("MOCK_DRUID_ADDR"); v != "" {
		addr = v
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	mux.HandleFunc("/druid/v2/datasources", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, dataSources)
	})

	mux.HandleFunc("/druid/v2", func(w http.ResponseWriter, r *http.Request) {
		body, ok := readPost(w, r)
		if !ok {
			return
		}
		rows, err := groupByRows(body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		writeJSON(w, rows)
	})

	mux.HandleFunc("/forecast", func(w http.ResponseWriter, r *http.Request) {
		body, ok := readPost(w, r)
		if !ok {
			return
		}
		writeJSON(w, map[string]any{"forecasted": forecast(body)})
	})

	logger := log.New(log.Writer(), "druid-mock ", log.LstdFlags|log.Lmicroseconds)
	srv := &http.Server{
		Addr:              addr,
		Handler:           logRequests(logger, mux),
		ReadHeaderTimeout: 5 * time.Second,
	}

	logger.Printf("listening on %s", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatalf("server error: %v", err)
	}
}

// groupByRows fabricates a daily-seasonal series per dimension value with a spike in the
// last bucket of the first one.
func groupByRows(query []byte) ([]map[string]any, error) {
	bounds := strings.SplitN(gjson.GetBytes(query, "intervals").String(), "/", 2)
	if len(bounds) != 2 {
		return nil, errBadQuery("intervals must be start/end")
	}
	start, err := time.Parse(intervalLayout, bounds[0])
	if err != nil {
		return nil, err
	}
	end, err := time.Parse(intervalLayout, bounds[1])
	if err != nil {
		return nil, err
	}
	step, ok := periodSteps[gjson.GetBytes(query, "granularity.period").String()]
	if !ok {
		step = time.Hour
	}

	var metrics []string
	for _, path := range []string{"postAggregations.#.name", "aggregations.#.name"} {
		for _, name := range gjson.GetBytes(query, path).Array() {
			metrics = append(metrics, name.String())
		}
	}
	var dimensions []string
	for _, d := range gjson.GetBytes(query, "dimensions").Array() {
		if d.IsObject() {
			dimensions = append(dimensions, d.Get("outputName").String())
			continue
		}
		dimensions = append(dimensions, d.String())
	}

	var rows []map[string]any
	for t := start; t.Before(end); t = t.Add(step) {
		last := !t.Add(step).Before(end)
		for i, value := range []string{"us", "eu"} {
			event := make(map[string]any, len(dimensions)+len(metrics))
			for _, d := range dimensions {
				event[d] = value
			}
			for j, m := range metrics {
				v := 100 + 20*math.Sin(2*math.Pi*float64(t.Hour())/24) + float64(10*j)
				if last && i == 0 {
					v *= 4
				}
				event[m] = v
			}
			rows = append(rows, map[string]any{
				"version":   "v1",
				"timestamp": t.UTC().Format("2006-01-02T15:04:05.000Z"),
				"event":     event,
			})
		}
	}
	return rows, nil
}

// forecast echoes each series' mean back for every timestamp.
func forecast(req []byte) []map[string]float64 {
	var out []map[string]float64
	for _, series := range gjson.GetBytes(req, "timeseries").Array() {
		points := series.Map()
		var sum float64
		for _, v := range points {
			sum += v.Float()
		}
		mean := 0.0
		if len(points) > 0 {
			mean = sum / float64(len(points))
		}
		f := make(map[string]float64, len(points))
		for ts := range points {
			f[ts] = mean
		}
		out = append(out, f)
	}
	return out
}

type errBadQuery string

func (e errBadQuery) Error() string { return string(e) }

func readPost(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return nil, false
	}
	body, err := io.ReadAll(r.Body)
	if err != nil || !gjson.ValidBytes(body) {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return nil, false
	}
	return body, true
}

func writeJSON(w http.ResponseWriter, payload any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("encode error: %v", err)
	}
}

func logRequests(logger *log.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r)
		logger.Printf("%s %s %d %s", r.Method, r.URL.Path, rw.status, time.Since(start))
	})
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}
