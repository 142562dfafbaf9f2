package log

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/apex/log"
)

// InitLogger sets up Apex with a Handler on stderr and a log level from the
// THREATSCAN_LOG env variable.
func InitLogger() {
	level := strings.ToLower(strings.TrimSpace(os.Getenv("THREATSCAN_LOG")))
	if level == "" {
		level = "info"
	}
	log.SetHandler(NewHandler(os.Stderr))
	lvl, err := log.ParseLevel(level)
	if err != nil {
		log.SetLevel(log.InfoLevel)
		log.WithField("value", level).Warn("unknown log level, using info")
		return
	}
	log.SetLevel(lvl)
}

// Handler writes one line per entry: timestamp, level initial, message, then
// the fields sorted by name.
type Handler struct {
	mu  sync.Mutex
	out io.Writer
	now func() time.Time
}

func NewHandler(w io.Writer) *Handler {
	return &Handler{out: w, now: time.Now}
}

// HandleLog implements the log.Handler interface
func (h *Handler) HandleLog(e *log.Entry) error {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %.1s %s", h.now().Format("2006-01-02 15:04:05"), strings.ToUpper(e.Level.String()), e.Message)
	names := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		names = append(names, k)
	}
	sort.Strings(names)
	for _, k := range names {
		fmt.Fprintf(&b, " %s=%v", k, e.Fields[k])
	}
	b.WriteByte('\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := io.WriteString(h.out, b.String())
	return err
}
