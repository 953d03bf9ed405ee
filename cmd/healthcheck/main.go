// Package main is a minimal health probe for distroless containers. It exits 0
// when the engine's /health endpoint answers 200 and 1 otherwise. The port
// follows PROXIMITY_PORT so the probe matches the daemon's override.
package main

import (
	"net/http"
	"os"
	"time"
)

func main() {
	port := os.Getenv("PROXIMITY_PORT")
	if port == "" {
		port = "8080"
	}
	client := &http.Client{Timeout: 3 * time.Second}
	resp, err := client.Get("http://localhost:" + port + "/health")
	if err != nil {
		os.Exit(1)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		os.Exit(1)
	}
}
