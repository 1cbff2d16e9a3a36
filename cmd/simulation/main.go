package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	minOrdersPerUser = 5
	maxOrdersPerUser = 25
	numUsers         = 4
)

var (
	symbols = []string{"EURUSD", "GBPUSD", "USDJPY", "XAUUSD"}
	sides   = []string{"BUY", "SELL"}
)

// init configures the logger for the simulation with pretty printing and timestamp
func init() {
	output := zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.RFC3339,
	}
	log.Logger = zerolog.New(output).With().Timestamp().Logger()
}

// routeStats tracks performance statistics for an API endpoint
type routeStats struct {
	name       string
	durations  []time.Duration
	totalCalls int
	failures   int
}

func (rs *routeStats) addDuration(d time.Duration) {
	rs.durations = append(rs.durations, d)
	rs.totalCalls++
}

// calculate computes min, max, mean, median, p95 and p99 durations.
func (rs *routeStats) calculate() (min, max, mean, median, p95, p99 time.Duration) {
	if len(rs.durations) == 0 {
		return 0, 0, 0, 0, 0, 0
	}

	sort.Slice(rs.durations, func(i, j int) bool {
		return rs.durations[i] < rs.durations[j]
	})

	min = rs.durations[0]
	max = rs.durations[len(rs.durations)-1]

	var sum time.Duration
	for _, d := range rs.durations {
		sum += d
	}
	mean = sum / time.Duration(len(rs.durations))
	median = rs.durations[len(rs.durations)/2]

	p95idx := int(math.Ceil(float64(len(rs.durations))*0.95)) - 1
	p99idx := int(math.Ceil(float64(len(rs.durations))*0.99)) - 1
	p95 = rs.durations[p95idx]
	p99 = rs.durations[p99idx]

	return
}

// apiClient drives one simulated user against the gateway API.
type apiClient struct {
	baseURL   string
	userID    string
	authToken string
	client    *http.Client

	mu    *sync.Mutex
	stats map[string]*routeStats
}

func newAPIClient(baseURL, userID string, mu *sync.Mutex, stats map[string]*routeStats) *apiClient {
	return &apiClient{
		baseURL: baseURL,
		userID:  userID,
		client:  &http.Client{Timeout: 15 * time.Second},
		mu:      mu,
		stats:   stats,
	}
}

func (c *apiClient) record(route string, start time.Time, failed bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rs := c.stats[route]
	rs.addDuration(time.Since(start))
	if failed {
		rs.failures++
	}
}

func (c *apiClient) do(method, path string, payload interface{}, out interface{}) (int, error) {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return 0, err
		}
		body = bytes.NewBuffer(data)
	}

	req, err := http.NewRequest(method, c.baseURL+path, body)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, err
	}
	if resp.StatusCode >= 400 {
		return resp.StatusCode, fmt.Errorf("%s %s failed with status %d: %s", method, path, resp.StatusCode, string(respBody))
	}
	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			return resp.StatusCode, fmt.Errorf("decode response: %w, body: %s", err, string(respBody))
		}
	}
	return resp.StatusCode, nil
}

func (c *apiClient) authenticate() error {
	start := time.Now()
	var result struct {
		Data struct {
			Token string `json:"jwt_token"`
		} `json:"data"`
	}
	_, err := c.do("POST", "/api/v1/auth/token", map[string]string{"user_id": c.userID}, &result)
	c.record("auth", start, err != nil)
	if err != nil {
		return err
	}
	c.authToken = result.Data.Token
	return nil
}

func (c *apiClient) connect() error {
	start := time.Now()
	payload := map[string]interface{}{
		"login":    100000 + rand.Intn(900000),
		"password": uuid.New().String(),
		"server":   "Demo-Server",
	}
	_, err := c.do("POST", "/api/v1/connect", payload, nil)
	c.record("connect", start, err != nil)
	return err
}

func (c *apiClient) submitOrder() (string, error) {
	start := time.Now()
	clientOrderID := uuid.New().String()
	payload := map[string]interface{}{
		"client_order_id": clientOrderID,
		"symbol":          symbols[rand.Intn(len(symbols))],
		"side":            sides[rand.Intn(len(sides))],
		"order_type":      "MARKET",
		"volume":          float64(rand.Intn(10)+1) / 100,
	}

	var result struct {
		Data struct {
			ClientOrderID string `json:"client_order_id"`
			State         string `json:"state"`
		} `json:"data"`
	}
	status, err := c.do("POST", "/api/v1/orders", payload, &result)
	if status == http.StatusTooManyRequests {
		c.record("order", start, false)
		return "", nil
	}
	c.record("order", start, err != nil)
	if err != nil {
		return "", err
	}
	return result.Data.ClientOrderID, nil
}

func (c *apiClient) getOrder(clientOrderID string) (string, error) {
	start := time.Now()
	var result struct {
		Data struct {
			State string `json:"state"`
		} `json:"data"`
	}
	_, err := c.do("GET", "/api/v1/orders/"+clientOrderID, nil, &result)
	c.record("get", start, err != nil)
	return result.Data.State, err
}

func (c *apiClient) positions() (int, error) {
	start := time.Now()
	var result struct {
		Data []map[string]interface{} `json:"data"`
	}
	_, err := c.do("GET", "/api/v1/positions", nil, &result)
	c.record("positions", start, err != nil)
	return len(result.Data), err
}

func (c *apiClient) disconnect() error {
	start := time.Now()
	_, err := c.do("POST", "/api/v1/disconnect", nil, nil)
	c.record("disconnect", start, err != nil)
	return err
}

// printPerformanceStats outputs formatted statistics for all endpoints.
func printPerformanceStats(stats map[string]*routeStats) {
	fmt.Println("\nAPI Performance Statistics")
	fmt.Println(strings.Repeat("-", 100))
	fmt.Printf("%-14s %8s %8s %10s %10s %10s %10s %10s %10s\n",
		"Endpoint", "Calls", "Errors", "Min", "Max", "Mean", "Median", "P95", "P99")
	fmt.Println(strings.Repeat("-", 100))

	for _, rs := range stats {
		min, max, mean, median, p95, p99 := rs.calculate()
		fmt.Printf("%-14s %8d %8d %10s %10s %10s %10s %10s %10s\n",
			rs.name, rs.totalCalls, rs.failures,
			min.Round(time.Millisecond), max.Round(time.Millisecond),
			mean.Round(time.Millisecond), median.Round(time.Millisecond),
			p95.Round(time.Millisecond), p99.Round(time.Millisecond))
	}
	fmt.Println(strings.Repeat("-", 100))
}

// main simulates several users connecting, trading and disconnecting
// against a running gateway.
func main() {
	baseURL := os.Getenv("SERVER_ADDRESS")
	if baseURL == "" {
		baseURL = "http://localhost:8080"
	}

	var statsMu sync.Mutex
	stats := map[string]*routeStats{
		"auth":       {name: "Authentication"},
		"connect":    {name: "Connect"},
		"order":      {name: "Submit Order"},
		"get":        {name: "Get Order"},
		"positions":  {name: "Positions"},
		"disconnect": {name: "Disconnect"},
	}

	var wg sync.WaitGroup
	var totalOrders, filled, rejected sync.Map
	start := time.Now()

	for i := 0; i < numUsers; i++ {
		wg.Add(1)
		go func(userIdx int) {
			defer wg.Done()
			userID := fmt.Sprintf("sim-user-%d", userIdx)
			client := newAPIClient(baseURL, userID, &statsMu, stats)

			if err := client.authenticate(); err != nil {
				log.Error().Err(err).Str("user_id", userID).Msg("Authentication failed")
				return
			}
			if err := client.connect(); err != nil {
				log.Error().Err(err).Str("user_id", userID).Msg("Connect failed")
				return
			}
			log.Info().Str("user_id", userID).Msg("User connected")

			orderCount := rand.Intn(maxOrdersPerUser-minOrdersPerUser) + minOrdersPerUser
			for j := 0; j < orderCount; j++ {
				id, err := client.submitOrder()
				if err != nil {
					log.Error().Err(err).Str("user_id", userID).Msg("Order failed")
					continue
				}
				if id == "" {
					// Rate limited; back off like a polite client.
					time.Sleep(time.Second)
					continue
				}
				totalOrders.Store(userID+id, struct{}{})

				state, err := client.getOrder(id)
				if err == nil {
					switch state {
					case "FILLED", "PARTIALLY_FILLED":
						filled.Store(userID+id, struct{}{})
					case "REJECTED", "FAILED":
						rejected.Store(userID+id, struct{}{})
					}
				}
				time.Sleep(time.Duration(rand.Intn(300)) * time.Millisecond)
			}

			if n, err := client.positions(); err == nil {
				log.Info().Str("user_id", userID).Int("open_positions", n).Msg("Positions checked")
			}
			if err := client.disconnect(); err != nil {
				log.Error().Err(err).Str("user_id", userID).Msg("Disconnect failed")
			}
		}(i)
	}
	wg.Wait()

	count := func(m *sync.Map) int {
		n := 0
		m.Range(func(_, _ interface{}) bool { n++; return true })
		return n
	}

	log.Info().
		Int("users", numUsers).
		Int("orders_submitted", count(&totalOrders)).
		Int("orders_filled", count(&filled)).
		Int("orders_rejected", count(&rejected)).
		Dur("duration", time.Since(start)).
		Msg("Simulation completed")

	printPerformanceStats(stats)
}
