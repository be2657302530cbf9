package exporter

import (
	"context"
	"net/http"
	"time"

	"github.com/cam3ron2/github-leaderboard/internal/leaderboard"
	"github.com/cam3ron2/github-leaderboard/internal/store"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const collectTimeout = 5 * time.Second

// SnapshotReader reads the latest leaderboard snapshot.
type SnapshotReader interface {
	Latest(ctx context.Context) (store.Snapshot, bool, error)
}

var (
	memberLabels = []string{"stat", "login", "node_id"}

	snapshotAvailableDesc = prometheus.NewDesc(
		"github_leaderboard_snapshot_available",
		"Whether a leaderboard snapshot is available to serve.",
		nil, nil,
	)
	snapshotCompletedDesc = prometheus.NewDesc(
		"github_leaderboard_snapshot_completed_timestamp_seconds",
		"Completion time of the run that produced the served snapshot.",
		nil, nil,
	)
	boardMembersDesc = prometheus.NewDesc(
		"github_leaderboard_board_members",
		"Number of ranked members per board.",
		[]string{"stat"}, nil,
	)
	windowSinceDesc = prometheus.NewDesc(
		"github_leaderboard_window_since_seconds",
		"Earliest week start covered by a board.",
		[]string{"stat"}, nil,
	)
	windowUntilDesc = prometheus.NewDesc(
		"github_leaderboard_window_until_seconds",
		"End of the latest week covered by a board.",
		[]string{"stat"}, nil,
	)
	memberScoreDesc = prometheus.NewDesc(
		"github_leaderboard_member_score",
		"Normalized member score between 0 and 100.",
		memberLabels, nil,
	)
	memberAdditionsDesc = prometheus.NewDesc(
		"github_leaderboard_member_additions",
		"Lines added by a member within a board window.",
		memberLabels, nil,
	)
	memberDeletionsDesc = prometheus.NewDesc(
		"github_leaderboard_member_deletions",
		"Lines deleted by a member within a board window.",
		memberLabels, nil,
	)
	memberCommitsDesc = prometheus.NewDesc(
		"github_leaderboard_member_commits",
		"Commits by a member within a board window.",
		memberLabels, nil,
	)
	snapshotRepositoriesDesc = prometheus.NewDesc(
		"github_leaderboard_snapshot_repositories",
		"Repositories of the served snapshot by outcome.",
		[]string{"result"}, nil,
	)
)

// NewOpenMetricsHandler returns a handler that renders the latest snapshot and any extra
// collectors through the Prometheus OpenMetrics encoder.
func NewOpenMetricsHandler(reader SnapshotReader, collectors ...prometheus.Collector) http.Handler {
	registry := prometheus.NewRegistry()
	registry.MustRegister(&snapshotCollector{reader: reader})
	if cacheCollector, ok := reader.(prometheus.Collector); ok {
		registry.MustRegister(cacheCollector)
	}
	for _, collector := range collectors {
		if collector != nil {
			registry.MustRegister(collector)
		}
	}

	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

type snapshotCollector struct {
	reader SnapshotReader
}

func (c *snapshotCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- snapshotAvailableDesc
	ch <- snapshotCompletedDesc
	ch <- boardMembersDesc
	ch <- windowSinceDesc
	ch <- windowUntilDesc
	ch <- memberScoreDesc
	ch <- memberAdditionsDesc
	ch <- memberDeletionsDesc
	ch <- memberCommitsDesc
	ch <- snapshotRepositoriesDesc
}

func (c *snapshotCollector) Collect(ch chan<- prometheus.Metric) {
	if c == nil || c.reader == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), collectTimeout)
	defer cancel()

	snapshot, found, err := c.reader.Latest(ctx)
	if err != nil || !found {
		ch <- prometheus.MustNewConstMetric(snapshotAvailableDesc, prometheus.GaugeValue, 0)
		return
	}

	ch <- prometheus.MustNewConstMetric(snapshotAvailableDesc, prometheus.GaugeValue, 1)
	ch <- prometheus.MustNewConstMetric(
		snapshotCompletedDesc,
		prometheus.GaugeValue,
		float64(snapshot.CompletedAt.UnixNano())/float64(time.Second),
	)

	summary := snapshot.Summary
	for result, value := range map[string]int{
		"folded":           summary.Folded,
		"fetch_error":      summary.FetchFailed,
		"validation_error": summary.ValidationFailed,
		"invalid_input":    summary.InvalidInput,
		"requested":        summary.Requested,
	} {
		ch <- prometheus.MustNewConstMetric(snapshotRepositoriesDesc, prometheus.GaugeValue, float64(value), result)
	}

	for _, board := range snapshot.Boards {
		collectBoard(ch, board)
	}
}

func collectBoard(ch chan<- prometheus.Metric, board leaderboard.Board) {
	stat := string(board.Stat)
	ch <- prometheus.MustNewConstMetric(boardMembersDesc, prometheus.GaugeValue, float64(len(board.Members)), stat)
	if board.Since != nil {
		ch <- prometheus.MustNewConstMetric(windowSinceDesc, prometheus.GaugeValue, millisToSeconds(*board.Since), stat)
	}
	if board.Until != nil {
		ch <- prometheus.MustNewConstMetric(windowUntilDesc, prometheus.GaugeValue, millisToSeconds(*board.Until), stat)
	}

	for _, member := range board.Members {
		labels := []string{stat, member.Login, member.NodeID}
		ch <- prometheus.MustNewConstMetric(memberScoreDesc, prometheus.GaugeValue, member.Score, labels...)
		ch <- prometheus.MustNewConstMetric(memberAdditionsDesc, prometheus.GaugeValue, float64(member.Stats.Additions), labels...)
		ch <- prometheus.MustNewConstMetric(memberDeletionsDesc, prometheus.GaugeValue, float64(member.Stats.Deletions), labels...)
		ch <- prometheus.MustNewConstMetric(memberCommitsDesc, prometheus.GaugeValue, float64(member.Stats.Commits), labels...)
	}
}

func millisToSeconds(ms int64) float64 {
	return float64(ms) / 1000
}
