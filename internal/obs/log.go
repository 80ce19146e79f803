// Package obs holds the service's observability plumbing: the shared
// JSON-line logger and the Prometheus metric set.
package obs

import (
	"encoding/json"
	"log"
	"os"
	"sync"
	"time"
)

var (
	loggerOnce sync.Once
	logger     *log.Logger
)

// Logger returns the shared structured logger. Output is one JSON object
// per line on stdout so collectors can ingest it without a parser config.
func Logger() *log.Logger {
	loggerOnce.Do(func() {
		logger = log.New(os.Stdout, "", 0)
	})
	return logger
}

// LogRequest marshals entry and writes it as a single log line.
func LogRequest(entry map[string]any) {
	data, err := json.Marshal(entry)
	if err != nil {
		// Keep the stream valid JSON even when a field refuses to marshal.
		Logger().Println(`{"level":"error","msg":"log marshal failed"}`)
		return
	}
	Logger().Println(string(data))
}

// LogError emits an error line with a timestamp for non-request failures
// (background loops, delivery problems, recovery paths).
func LogError(msg string, fields map[string]any) {
	entry := make(map[string]any, len(fields)+3)
	for k, v := range fields {
		entry[k] = v
	}
	entry["ts"] = time.Now().UTC().Format(time.RFC3339Nano)
	entry["level"] = "error"
	entry["msg"] = msg
	LogRequest(entry)
}
