// Command gateway-stub imitates the payment gateway for local runs and load
// tests. Failures can be injected through FAIL_STATUS, FAIL_RATE and
// LATENCY_MS, or at runtime with PUT /stub/failures.
package main

import (
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/nazeru/store-checkout/pkg/logging"
)

func main() {
	port := getenv("PORT", "8090")

	s := newStub(failures{
		Status:  atoi(getenv("FAIL_STATUS", "503")),
		Rate:    atof(getenv("FAIL_RATE", "0")),
		Latency: atoi(getenv("LATENCY_MS", "0")),
	})

	srv := &http.Server{Addr: ":" + port, Handler: s.routes(), ReadHeaderTimeout: 5 * time.Second}
	logging.Log(logging.Fields{Service: serviceName, Step: "startup", Message: "listening on :" + port})
	log.Fatal(srv.ListenAndServe())
}

func getenv(k, def string) string {
	v := strings.TrimSpace(os.Getenv(k))
	if v == "" {
		return def
	}
	return v
}

func atoi(s string) int {
	n, err := strconv.Atoi(s)
	if err != nil {
		log.Fatalf("invalid integer %q: %v", s, err)
	}
	return n
}

func atof(s string) float64 {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		log.Fatalf("invalid number %q: %v", s, err)
	}
	return f
}
