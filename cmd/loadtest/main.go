package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"os"
	"sort"
	"strings"
	"sync"
	"time"
)

// LoadTestConfig holds configuration for load testing
type LoadTestConfig struct {
	BaseURL         string
	ConcurrentUsers int
	EditsPerUser    int
	Timeout         time.Duration
	TestDuration    time.Duration
	RampUpDuration  time.Duration
	ThinkTime       time.Duration
	Wait            bool
}

// LoadTestResult holds the result of a single request
type LoadTestResult struct {
	UserID     int
	RequestID  int
	Operation  string
	StatusCode int
	Duration   time.Duration
	Success    bool
	Error      error
	Timestamp  time.Time
}

// LoadTestSummary holds the summary of load test results
type LoadTestSummary struct {
	TotalRequests       int
	SuccessfulRequests  int
	FailedRequests      int
	TotalDuration       time.Duration
	AverageResponseTime time.Duration
	MinResponseTime     time.Duration
	MaxResponseTime     time.Duration
	RequestsPerSecond   float64
	ErrorRate           float64
	ResponseTime95th    time.Duration
	ResponseTime99th    time.Duration
	ByOperation         map[string]int
}

func main() {
	var config LoadTestConfig

	flag.StringVar(&config.BaseURL, "url", "http://localhost:8081", "Base URL of the exchanger server")
	flag.IntVar(&config.ConcurrentUsers, "users", 10, "Number of concurrent users, one session each")
	flag.IntVar(&config.EditsPerUser, "edits", 50, "Number of field edits per user")
	flag.DurationVar(&config.Timeout, "timeout", 30*time.Second, "Request timeout")
	flag.DurationVar(&config.TestDuration, "duration", 0, "Test duration (0 = run until all edits complete)")
	flag.DurationVar(&config.RampUpDuration, "rampup", 5*time.Second, "Ramp-up duration")
	flag.DurationVar(&config.ThinkTime, "think", 100*time.Millisecond, "Think time between edits")
	flag.BoolVar(&config.Wait, "wait", true, "Wait for each sync cycle to settle before answering")
	flag.Parse()

	fmt.Printf("Starting load test...\n")
	fmt.Printf("URL: %s\n", config.BaseURL)
	fmt.Printf("Concurrent Users: %d\n", config.ConcurrentUsers)
	fmt.Printf("Edits per User: %d\n", config.EditsPerUser)
	fmt.Printf("Timeout: %v\n", config.Timeout)
	fmt.Printf("Ramp-up Duration: %v\n", config.RampUpDuration)
	fmt.Printf("Think Time: %v\n", config.ThinkTime)
	fmt.Printf("Test Duration: %v\n", config.TestDuration)
	fmt.Println()

	summary := runLoadTest(config)
	printSummary(os.Stdout, summary)
}

func runLoadTest(config LoadTestConfig) LoadTestSummary {
	// create + edits + delete per user
	results := make(chan LoadTestResult, config.ConcurrentUsers*(config.EditsPerUser+2))

	client := &http.Client{
		Timeout: config.Timeout,
	}

	startTime := time.Now()

	ctx := context.Background()
	if config.TestDuration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, config.TestDuration)
		defer cancel()
	}

	var wg sync.WaitGroup
	rampUpDelay := time.Duration(0)
	if config.ConcurrentUsers > 0 {
		rampUpDelay = config.RampUpDuration / time.Duration(config.ConcurrentUsers)
	}

	for userID := 0; userID < config.ConcurrentUsers; userID++ {
		wg.Add(1)
		go func(uid int) {
			defer wg.Done()
			time.Sleep(time.Duration(uid) * rampUpDelay)
			runUser(ctx, client, config, uid, results)
		}(userID)
	}

	wg.Wait()
	close(results)

	return processResults(results, time.Since(startTime))
}

// runUser opens a session, types into alternating sides and closes the session
func runUser(ctx context.Context, client *http.Client, config LoadTestConfig, uid int, results chan<- LoadTestResult) {
	baseURL := strings.TrimRight(config.BaseURL, "/")
	random := rand.New(rand.NewSource(time.Now().UnixNano() + int64(uid)))

	var created struct {
		ID string `json:"id"`
	}
	result := doRequest(ctx, client, http.MethodPost, baseURL+"/api/v1/sessions", nil, &created)
	result.UserID, result.Operation = uid, "create"
	results <- result
	if !result.Success || created.ID == "" {
		return
	}
	sessionURL := baseURL + "/api/v1/sessions/" + created.ID

	for reqID := 0; reqID < config.EditsPerUser; reqID++ {
		if ctx.Err() != nil {
			break
		}

		side := "left"
		if reqID%2 == 1 {
			side = "right"
		}
		body := map[string]interface{}{"amount": float64(random.Intn(100000)) / 100}
		editURL := sessionURL + "/" + side
		if config.Wait {
			editURL += "?wait=true"
		}

		result := doRequest(ctx, client, http.MethodPatch, editURL, body, nil)
		result.UserID, result.RequestID, result.Operation = uid, reqID, "edit"
		results <- result

		if config.ThinkTime > 0 {
			time.Sleep(config.ThinkTime)
		}
	}

	result = doRequest(context.Background(), client, http.MethodDelete, sessionURL, nil, nil)
	result.UserID, result.Operation = uid, "delete"
	results <- result
}

func doRequest(ctx context.Context, client *http.Client, method, url string, body interface{}, out interface{}) LoadTestResult {
	start := time.Now()
	result := LoadTestResult{Timestamp: start}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			result.Error = err
			return result
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		result.Error = err
		return result
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := client.Do(req)
	result.Duration = time.Since(start)
	if err != nil {
		result.Error = err
		return result
	}
	defer resp.Body.Close()

	result.StatusCode = resp.StatusCode
	result.Success = resp.StatusCode >= 200 && resp.StatusCode < 300
	if out != nil && result.Success {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			result.Success = false
			result.Error = err
		}
	} else {
		_, _ = io.Copy(io.Discard, resp.Body)
	}

	return result
}

func processResults(results <-chan LoadTestResult, totalDuration time.Duration) LoadTestSummary {
	summary := LoadTestSummary{
		TotalDuration: totalDuration,
		ByOperation:   make(map[string]int),
	}
	var responseTimes []time.Duration

	for result := range results {
		summary.TotalRequests++
		summary.ByOperation[result.Operation]++
		responseTimes = append(responseTimes, result.Duration)

		if result.Success {
			summary.SuccessfulRequests++
		} else {
			summary.FailedRequests++
		}
	}

	if summary.TotalRequests == 0 {
		return summary
	}

	summary.ErrorRate = float64(summary.FailedRequests) / float64(summary.TotalRequests) * 100
	if totalDuration > 0 {
		summary.RequestsPerSecond = float64(summary.TotalRequests) / totalDuration.Seconds()
	}

	sort.Slice(responseTimes, func(i, j int) bool { return responseTimes[i] < responseTimes[j] })

	var totalResponseTime time.Duration
	for _, rt := range responseTimes {
		totalResponseTime += rt
	}
	summary.MinResponseTime = responseTimes[0]
	summary.MaxResponseTime = responseTimes[len(responseTimes)-1]
	summary.AverageResponseTime = totalResponseTime / time.Duration(len(responseTimes))
	summary.ResponseTime95th = calculatePercentile(responseTimes, 95)
	summary.ResponseTime99th = calculatePercentile(responseTimes, 99)

	return summary
}

// calculatePercentile expects sorted input
func calculatePercentile(sorted []time.Duration, percentile int) time.Duration {
	if len(sorted) == 0 {
		return 0
	}

	index := int(float64(len(sorted)) * float64(percentile) / 100.0)
	if index >= len(sorted) {
		index = len(sorted) - 1
	}

	return sorted[index]
}

func printSummary(w io.Writer, summary LoadTestSummary) {
	fmt.Fprintln(w, "=== Load Test Results ===")
	fmt.Fprintf(w, "Total Requests: %d\n", summary.TotalRequests)
	if summary.TotalRequests == 0 {
		return
	}
	fmt.Fprintf(w, "Successful Requests: %d (%.2f%%)\n", summary.SuccessfulRequests,
		float64(summary.SuccessfulRequests)/float64(summary.TotalRequests)*100)
	fmt.Fprintf(w, "Failed Requests: %d (%.2f%%)\n", summary.FailedRequests, summary.ErrorRate)
	fmt.Fprintf(w, "Sessions created: %d, edits: %d, deleted: %d\n",
		summary.ByOperation["create"], summary.ByOperation["edit"], summary.ByOperation["delete"])
	fmt.Fprintf(w, "Total Duration: %v\n", summary.TotalDuration)
	fmt.Fprintf(w, "Requests per Second: %.2f\n", summary.RequestsPerSecond)
	fmt.Fprintf(w, "Average Response Time: %v\n", summary.AverageResponseTime)
	fmt.Fprintf(w, "Min Response Time: %v\n", summary.MinResponseTime)
	fmt.Fprintf(w, "Max Response Time: %v\n", summary.MaxResponseTime)
	fmt.Fprintf(w, "95th Percentile Response Time: %v\n", summary.ResponseTime95th)
	fmt.Fprintf(w, "99th Percentile Response Time: %v\n", summary.ResponseTime99th)

	fmt.Fprintln(w, "\n=== Performance Assessment ===")
	if summary.ErrorRate > 5.0 {
		fmt.Fprintf(w, "High error rate: %.2f%% (target: < 5%%)\n", summary.ErrorRate)
	} else {
		fmt.Fprintf(w, "Error rate: %.2f%% (good)\n", summary.ErrorRate)
	}

	if summary.AverageResponseTime > 2*time.Second {
		fmt.Fprintf(w, "High average response time: %v (target: < 2s)\n", summary.AverageResponseTime)
	} else {
		fmt.Fprintf(w, "Average response time: %v (good)\n", summary.AverageResponseTime)
	}
}
