package obs

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"sync"
)

var (
	loggerOnce sync.Once
	logger     *log.Logger
)

// Logger returns the shared structured logger used across the service.
func Logger() *log.Logger {
	loggerOnce.Do(func() {
		logger = log.New(os.Stdout, "", 0)
	})
	return logger
}

// LogEvent emits a structured JSON log line.
func LogEvent(entry map[string]any) {
	data, err := json.Marshal(entry)
	if err != nil {
		Logger().Println(`{"ts":"error","level":"error","msg":"log marshal failed"}`)
		return
	}
	Logger().Println(string(data))
}

// TokenDigest returns a loggable stand-in for a bearer token: its first
// eight characters plus length. Full token contents must never be logged.
func TokenDigest(token string) string {
	const keep = 8
	if len(token) <= keep {
		return "<short-token>"
	}
	return fmt.Sprintf("%s…(%d)", token[:keep], len(token))
}
