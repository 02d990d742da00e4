package metrics

import (
	"bytes"
	"context"
	"fmt"
	"math"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/golang/snappy"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"
	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/prometheus/prompb"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/protoadapt"
)

const (
	ExporterRemoteWrite = "remote_write"
	ExporterPushgateway = "pushgateway"

	pushTimeout = 5 * time.Second
)

// PushConfig selects where gathered prometheus metrics are pushed. An empty Exporter
// disables pushing.
type PushConfig struct {
	Exporter    string
	Endpoint    string
	AuthToken   string
	Job         string
	Environment string
	Interval    time.Duration
}

// Pusher delivers one snapshot of a gatherer.
type Pusher interface {
	Push(ctx context.Context, gatherer prometheus.Gatherer) error
}

// NewPusher returns nil when pushing is disabled or misconfigured; the problem is logged
// and the process keeps running.
func NewPusher(cfg PushConfig, log *zap.Logger) Pusher {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	switch strings.ToLower(strings.TrimSpace(cfg.Exporter)) {
	case "":
		return nil
	case ExporterRemoteWrite:
		if _, err := url.ParseRequestURI(endpoint); err != nil {
			log.Warn("metrics push disabled: invalid remote write endpoint", zap.String("endpoint", endpoint), zap.Error(err))
			return nil
		}
		return NewRemoteWritePusher(endpoint, cfg.AuthToken)
	case ExporterPushgateway:
		if endpoint == "" {
			log.Warn("metrics push disabled: pushgateway endpoint is empty")
			return nil
		}
		job := strings.TrimSpace(cfg.Job)
		if job == "" {
			job = "bookshelf"
		}
		return &PushgatewayPusher{endpoint: endpoint, job: job, environment: strings.TrimSpace(cfg.Environment)}
	default:
		log.Warn("metrics push disabled: unknown exporter", zap.String("exporter", cfg.Exporter))
		return nil
	}
}

// RunPusher pushes the default registry every cfg.Interval and once more on shutdown so
// the final counts of a run are not lost.
func RunPusher(lc fx.Lifecycle, cfg PushConfig, pusher Pusher, log *zap.Logger) {
	if pusher == nil {
		return
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	log = log.Named("metrics.push")
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	pushOnce := func(ctx context.Context) {
		pushCtx, cancel := context.WithTimeout(ctx, pushTimeout)
		defer cancel()
		if err := pusher.Push(pushCtx, prometheus.DefaultGatherer); err != nil {
			log.Warn("metrics push failed", zap.Error(err))
		}
	}

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				defer close(done)
				ticker := time.NewTicker(interval)
				defer ticker.Stop()
				for {
					select {
					case <-ctx.Done():
						return
					case <-ticker.C:
						pushOnce(ctx)
					}
				}
			}()
			return nil
		},
		OnStop: func(stopCtx context.Context) error {
			cancel()
			<-done
			pushOnce(stopCtx)
			return nil
		},
	})
}

// RemoteWritePusher sends snappy-compressed prompb.WriteRequest bodies.
type RemoteWritePusher struct {
	endpoint  string
	authToken string
	client    *http.Client
	now       func() time.Time
}

func NewRemoteWritePusher(endpoint, authToken string) *RemoteWritePusher {
	return &RemoteWritePusher{
		endpoint:  endpoint,
		authToken: strings.TrimSpace(authToken),
		client:    &http.Client{Timeout: pushTimeout, Transport: otelhttp.NewTransport(http.DefaultTransport)},
		now:       time.Now,
	}
}

func (p *RemoteWritePusher) Push(ctx context.Context, gatherer prometheus.Gatherer) error {
	families, err := gatherer.Gather()
	if err != nil {
		return err
	}
	series := toTimeSeries(families, p.now().UnixMilli())
	if len(series) == 0 {
		return nil
	}

	body, err := proto.Marshal(protoadapt.MessageV2Of(&prompb.WriteRequest{Timeseries: series}))
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(snappy.Encode(nil, body)))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-protobuf")
	req.Header.Set("Content-Encoding", "snappy")
	req.Header.Set("X-Prometheus-Remote-Write-Version", "0.1.0")
	if p.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+p.authToken)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("remote write: %s", resp.Status)
	}
	return nil
}

// PushgatewayPusher replaces the job's group on a Prometheus Pushgateway.
type PushgatewayPusher struct {
	endpoint    string
	job         string
	environment string
}

func (p *PushgatewayPusher) Push(ctx context.Context, gatherer prometheus.Gatherer) error {
	pusher := push.New(p.endpoint, p.job).Gatherer(gatherer)
	if p.environment != "" {
		pusher = pusher.Grouping("environment", p.environment)
	}
	return pusher.PushContext(ctx)
}

// toTimeSeries flattens gathered families into one sample per series. Histograms expand
// into the _bucket, _sum and _count series a scrape would produce.
func toTimeSeries(families []*dto.MetricFamily, tsMillis int64) []prompb.TimeSeries {
	var out []prompb.TimeSeries
	add := func(name string, labels []*dto.LabelPair, value float64, extra ...prompb.Label) {
		ls := make([]prompb.Label, 0, len(labels)+len(extra)+1)
		ls = append(ls, prompb.Label{Name: "__name__", Value: name})
		for _, l := range labels {
			ls = append(ls, prompb.Label{Name: l.GetName(), Value: l.GetValue()})
		}
		ls = append(ls, extra...)
		sort.Slice(ls, func(i, j int) bool { return ls[i].Name < ls[j].Name })
		out = append(out, prompb.TimeSeries{
			Labels:  ls,
			Samples: []prompb.Sample{{Value: value, Timestamp: tsMillis}},
		})
	}

	for _, family := range families {
		name := family.GetName()
		for _, m := range family.GetMetric() {
			switch family.GetType() {
			case dto.MetricType_COUNTER:
				add(name, m.GetLabel(), m.GetCounter().GetValue())
			case dto.MetricType_GAUGE:
				add(name, m.GetLabel(), m.GetGauge().GetValue())
			case dto.MetricType_UNTYPED:
				add(name, m.GetLabel(), m.GetUntyped().GetValue())
			case dto.MetricType_HISTOGRAM:
				h := m.GetHistogram()
				for _, b := range h.GetBucket() {
					add(name+"_bucket", m.GetLabel(), float64(b.GetCumulativeCount()),
						prompb.Label{Name: "le", Value: formatBound(b.GetUpperBound())})
				}
				add(name+"_bucket", m.GetLabel(), float64(h.GetSampleCount()), prompb.Label{Name: "le", Value: "+Inf"})
				add(name+"_sum", m.GetLabel(), h.GetSampleSum())
				add(name+"_count", m.GetLabel(), float64(h.GetSampleCount()))
			}
		}
	}
	return out
}

func formatBound(v float64) string {
	if math.IsInf(v, +1) {
		return "+Inf"
	}
	return strconv.FormatFloat(v, 'g', -1, 64)
}
