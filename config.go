package kmock

import (
	"os"
	"strconv"
	"sync"

	"github.com/joho/godotenv"
)

// Environment variables consulted by NewKernel for settings not given as options. Handy for pointing
// an unmodified harness binary at a different exploration configuration.
const (
	// "succeed", "fail", "budget" or "oracle"
	envPagePolicy = "KMOCK_PAGE_POLICY"
	envPageBudget = "KMOCK_PAGE_BUDGET"
	envTraceCap   = "KMOCK_TRACE_CAPACITY"
)

const defaultTraceCapacity = 1024

var loadDotEnv sync.Once

func settingsFromEnv() KernelSettings {
	// A .env next to the harness binary is merged into the environment once, existing variables win.
	loadDotEnv.Do(func() {
		_ = godotenv.Load()
	})

	settings := KernelSettings{
		PagePolicy:     PageAllocAlwaysSucceed,
		TraceCapacity:  defaultTraceCapacity,
		RngInitialized: true,
	}

	switch os.Getenv(envPagePolicy) {
	case "fail":
		settings.PagePolicy = PageAllocAlwaysFail
	case "budget":
		settings.PagePolicy = PageAllocBudget
	case "oracle":
		settings.PagePolicy = PageAllocOracle
	}

	if v, err := strconv.ParseUint(os.Getenv(envPageBudget), 10, 64); err == nil {
		settings.PageBudget = v
	}

	if v, err := strconv.Atoi(os.Getenv(envTraceCap)); err == nil && v > 0 {
		settings.TraceCapacity = v
	}

	return settings
}
