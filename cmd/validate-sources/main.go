package main

import (
	"fmt"
	"os"
	"sort"

	"github.com/hookgate/hookgate/sources"
)

/* validate-sources - Standalone CLI tool to validate sources.yaml
 * Usage: go run cmd/validate-sources/main.go [sources.yaml]
 * Exit codes: 0 = valid, 1 = invalid
 */

func main() {
	sourcesFile := "sources.yaml"
	if len(os.Args) > 1 {
		sourcesFile = os.Args[1]
	}

	fmt.Printf("Validating sources file: %s\n\n", sourcesFile)

	loader := sources.NewLoader()
	if err := loader.Load(sourcesFile); err != nil {
		fmt.Fprintf(os.Stderr, "VALIDATION FAILED\n\n")
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	loaded := loader.List()
	sort.Slice(loaded, func(i, j int) bool { return loaded[i].Name < loaded[j].Name })

	fmt.Printf("VALIDATION PASSED\n\n")
	fmt.Printf("Loaded %d source(s):\n", len(loaded))

	for i, src := range loaded {
		fmt.Printf("\n%d. Source: %s\n", i+1, src.Name)
		fmt.Printf("   Scheme:            %s\n", src.Scheme)
		fmt.Printf("   Rate Limit:        %d burst, %.2f/s refill\n", src.RateLimit.Capacity, src.RateLimit.RefillRate)
		fmt.Printf("   Failure Threshold: %d in %s\n", src.CircuitBreaker.FailureThreshold, src.CircuitBreaker.TrackingWindow)
		fmt.Printf("   Recovery Timeout:  %s\n", src.CircuitBreaker.RecoveryTimeout)
		fmt.Printf("   Max Retries:       %d\n", src.Retry.MaxRetries)
		fmt.Printf("   Backoff:           %s base, %s cap, %.0f%% jitter\n",
			src.Retry.BaseDelay, src.Retry.MaxDelay, src.Retry.JitterFraction*100)
		if len(src.PriorityMap) > 0 {
			fmt.Printf("   Priority Map:      %d entries\n", len(src.PriorityMap))
		}
	}

	fmt.Printf("\nAll sources are valid!\n")
	os.Exit(0)
}
