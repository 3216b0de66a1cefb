// backend-sim is a fake payment backend for local runs of the
// confirmation engine. Each initiated order settles after a scripted
// delay, so a poll loop pointed at it sees Pending for a while and then
// Completed (or Failed for order IDs containing "fail").
//
// Usage:
//
//	go run . &
//	BACKEND_BASE_URL=http://localhost:9200 akuafopay serve
//
// Environment:
//
//	ADDR          listen address (default ":9200")
//	SETTLE_DELAY  time from initiation to settlement (default "30s")
package main

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"
)

type payment struct {
	OrderID         string
	ClientReference string
	InitiatedAt     time.Time
	Failed          bool
}

var (
	mu       sync.Mutex
	payments = make(map[string]*payment) // keyed by order ID
	byRef    = make(map[string]*payment)
	seq      int
	delay    = 30 * time.Second
)

func main() {
	addr := ":9200"
	if v := os.Getenv("ADDR"); v != "" {
		addr = v
	}
	if v := os.Getenv("SETTLE_DELAY"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			log.Fatalf("backend-sim: bad SETTLE_DELAY %q: %v", v, err)
		}
		delay = d
	}

	http.HandleFunc("/payments/initiate", initiateHandler)
	http.HandleFunc("/payments/verify/", verifyOrderHandler)
	http.HandleFunc("/payments/status", paymentStatusHandler)
	http.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})
	http.HandleFunc("/reset", func(w http.ResponseWriter, _ *http.Request) {
		mu.Lock()
		payments = make(map[string]*payment)
		byRef = make(map[string]*payment)
		seq = 0
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "reset")
	})

	log.Printf("backend-sim listening on %s (settle after %s)", addr, delay)
	log.Fatal(http.ListenAndServe(addr, nil))
}

func initiateHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		OrderID string `json:"orderId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.OrderID == "" {
		http.Error(w, "orderId required", http.StatusBadRequest)
		return
	}

	mu.Lock()
	defer mu.Unlock()

	if _, exists := payments[req.OrderID]; exists {
		// The engine resolves a replayed initiation through verification.
		w.WriteHeader(http.StatusConflict)
		fmt.Fprintln(w, "payment already initiated")
		return
	}

	seq++
	p := &payment{
		OrderID:         req.OrderID,
		ClientReference: fmt.Sprintf("SIM-%06d", seq),
		InitiatedAt:     time.Now(),
		Failed:          strings.Contains(req.OrderID, "fail"),
	}
	payments[req.OrderID] = p
	byRef[p.ClientReference] = p

	log.Printf("backend-sim: initiated order %s as %s", p.OrderID, p.ClientReference)
	writeJSON(w, map[string]string{"clientReference": p.ClientReference})
}

func verifyOrderHandler(w http.ResponseWriter, r *http.Request) {
	orderID := strings.TrimPrefix(r.URL.Path, "/payments/verify/")

	mu.Lock()
	p, ok := payments[orderID]
	mu.Unlock()
	if !ok {
		http.Error(w, "unknown order", http.StatusNotFound)
		return
	}

	resp := map[string]string{"paymentStatus": "Pending"}
	if settled(p) {
		if p.Failed {
			resp = map[string]string{
				"paymentStatus": "Failed",
				"reason":        "insufficient funds",
			}
		} else {
			resp = map[string]string{
				"paymentStatus": "Completed",
				"transactionId": "TX-" + p.ClientReference,
			}
		}
	}
	writeJSON(w, resp)
}

func paymentStatusHandler(w http.ResponseWriter, r *http.Request) {
	ref := r.URL.Query().Get("clientReference")

	mu.Lock()
	p, ok := byRef[ref]
	mu.Unlock()
	if !ok {
		http.Error(w, "unknown reference", http.StatusNotFound)
		return
	}

	status := "Unpaid"
	if settled(p) && !p.Failed {
		status = "Paid"
	}
	writeJSON(w, map[string]string{"transactionStatus": status})
}

func settled(p *payment) bool {
	return time.Since(p.InitiatedAt) >= delay
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("backend-sim: encode error: %v", err)
	}
}
