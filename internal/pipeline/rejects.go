package pipeline

import (
	"sort"
	"strings"
	"sync"

	"github.com/jaeyo/go-drain3/pkg/drain3"
	"go.uber.org/zap"
)

const (
	// maxRejectClusters bounds the templates remembered per stream.
	maxRejectClusters = 100
	// maxRejectPatterns is how many templates Health reports.
	maxRejectPatterns = 5
	// maxRejectLine caps how much of a rejected line is mined.
	maxRejectLine = 512
)

// RejectPattern is a template mined from lines the parser rejected.
type RejectPattern struct {
	Template string `json:"template"`
	Count    int64  `json:"count"`
}

// rejectMiner clusters rejected lines into drain3 templates so a degraded
// stream shows which malformed shapes it is receiving.
type rejectMiner struct {
	mu     sync.Mutex
	drain  *drain3.Drain
	logger *zap.Logger
}

func newRejectMiner(logger *zap.Logger) *rejectMiner {
	d, err := drain3.NewDrain(drain3.WithMaxCluster(maxRejectClusters))
	if err != nil {
		logger.Warn("pipeline: reject template mining disabled", zap.Error(err))
		return &rejectMiner{logger: logger}
	}
	return &rejectMiner{drain: d, logger: logger}
}

// Add mines one rejected line. Blank lines are skipped.
func (m *rejectMiner) Add(line string) {
	if m == nil || m.drain == nil {
		return
	}
	if len(line) > maxRejectLine {
		line = line[:maxRejectLine]
	}
	line = strings.TrimSpace(line)
	if line == "" {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, _, err := m.drain.AddLogMessage(line); err != nil {
		m.logger.Debug("pipeline: mining rejected line failed", zap.Error(err))
	}
}

// Top returns up to n templates, most frequent first.
func (m *rejectMiner) Top(n int) []RejectPattern {
	if m == nil || m.drain == nil {
		return nil
	}
	m.mu.Lock()
	clusters := m.drain.GetClusters()
	out := make([]RejectPattern, 0, len(clusters))
	for _, c := range clusters {
		out = append(out, RejectPattern{Template: c.GetTemplate(), Count: c.Size})
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Template < out[j].Template
	})
	if len(out) > n {
		out = out[:n]
	}
	return out
}
