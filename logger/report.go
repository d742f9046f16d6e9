package logger

import (
	"context"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/aws/aws-sdk-go-v2/aws"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
)

type channelStat struct {
	messages int64
	bytes    int64
}

var (
	errorsIngest     int64
	errorsDetect     int64
	warnsIngest      int64
	warnsDetect      int64
	eventsIngested   int64
	resyncEvents     int64
	staleSkips       int64
	skippedCycles    int64
	detectedOpps     int64
	acceptedOpps     int64
	rejectedOpps     int64
	droppedOpps      int64
	reconnectRetries int64
	channels         sync.Map // map[string]*channelStat
)

func recordWarn(component string) {
	if strings.Contains(component, "detector") {
		atomic.AddInt64(&warnsDetect, 1)
	} else if strings.Contains(component, "adapter") || strings.Contains(component, "dispatcher") {
		atomic.AddInt64(&warnsIngest, 1)
	}
}

func recordError(component string) {
	if strings.Contains(component, "detector") {
		atomic.AddInt64(&errorsDetect, 1)
	} else if strings.Contains(component, "adapter") || strings.Contains(component, "dispatcher") {
		atomic.AddInt64(&errorsIngest, 1)
	}
}

// IncrementEventIngested counts one normalized venue event applied to the
// market index.
func IncrementEventIngested(size int) {
	atomic.AddInt64(&eventsIngested, 1)
	recordChannel("ingest", size)
}

// IncrementResync counts one order book desync that forced a snapshot
// re-request.
func IncrementResync() { atomic.AddInt64(&resyncEvents, 1) }

// IncrementStaleSkip counts one candidate skipped for stale market data.
func IncrementStaleSkip() { atomic.AddInt64(&staleSkips, 1) }

// IncrementSkippedCycle counts one detection tick skipped after an overrun.
func IncrementSkippedCycle() { atomic.AddInt64(&skippedCycles, 1) }

// IncrementOpportunityDetected counts one opportunity surviving thresholds.
func IncrementOpportunityDetected() { atomic.AddInt64(&detectedOpps, 1) }

// IncrementOpportunityAccepted counts one opportunity passing the risk gate.
func IncrementOpportunityAccepted() { atomic.AddInt64(&acceptedOpps, 1) }

// IncrementOpportunityRejected counts one risk gate rejection.
func IncrementOpportunityRejected() { atomic.AddInt64(&rejectedOpps, 1) }

// IncrementOpportunityDrop counts one opportunity lost to consumer overflow.
func IncrementOpportunityDrop() { atomic.AddInt64(&droppedOpps, 1) }

// IncrementRetryCount counts one reconnect attempt against a venue.
func IncrementRetryCount() { atomic.AddInt64(&reconnectRetries, 1) }

// ResyncCount exposes the resync counter for tests and diagnostics.
func ResyncCount() int64 { return atomic.LoadInt64(&resyncEvents) }

// DroppedOpportunities exposes the drop counter.
func DroppedOpportunities() int64 { return atomic.LoadInt64(&droppedOpps) }

// SkippedCycles exposes the skipped cycle counter.
func SkippedCycles() int64 { return atomic.LoadInt64(&skippedCycles) }

func RecordChannelMessage(name string, size int) {
	recordChannel(name, size)
}

func recordChannel(name string, size int) {
	v, _ := channels.LoadOrStore(name, &channelStat{})
	cs := v.(*channelStat)
	atomic.AddInt64(&cs.messages, 1)
	atomic.AddInt64(&cs.bytes, int64(size))
}

func startReport(ctx context.Context, log *Log, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		for {
			select {
			case <-ctx.Done():
				ticker.Stop()
				return
			case <-ticker.C:
				logReport(ctx, log)
			}
		}
	}()
}

// StartReport begins periodic logging of system and pipeline statistics.
// It exposes the internal startReport function for use by other packages.
func StartReport(ctx context.Context, log *Log, interval time.Duration) {
	startReport(ctx, log, interval)
}

func logReport(ctx context.Context, log *Log) {
	cpuPercent, _ := cpu.Percent(0, false)
	memStats, _ := mem.VirtualMemory()
	channelData := map[string]map[string]int64{}
	channels.Range(func(k, v any) bool {
		name := k.(string)
		cs := v.(*channelStat)
		channelData[name] = map[string]int64{
			"messages": atomic.LoadInt64(&cs.messages),
			"bytes":    atomic.LoadInt64(&cs.bytes),
		}
		return true
	})

	cpuPct := 0.0
	if len(cpuPercent) > 0 {
		cpuPct = cpuPercent[0]
	}

	memMB := int64(0)
	if memStats != nil {
		memMB = int64(memStats.Used) / 1024 / 1024
	}

	fields := Fields{
		"errors_ingest":          atomic.LoadInt64(&errorsIngest),
		"errors_detect":          atomic.LoadInt64(&errorsDetect),
		"warns_ingest":           atomic.LoadInt64(&warnsIngest),
		"warns_detect":           atomic.LoadInt64(&warnsDetect),
		"events_ingested":        atomic.LoadInt64(&eventsIngested),
		"resync_events":          atomic.LoadInt64(&resyncEvents),
		"stale_skips":            atomic.LoadInt64(&staleSkips),
		"skipped_cycles":         atomic.LoadInt64(&skippedCycles),
		"opportunities_detected": atomic.LoadInt64(&detectedOpps),
		"opportunities_accepted": atomic.LoadInt64(&acceptedOpps),
		"opportunities_rejected": atomic.LoadInt64(&rejectedOpps),
		"opportunities_dropped":  atomic.LoadInt64(&droppedOpps),
		"reconnect_retries":      atomic.LoadInt64(&reconnectRetries),
		"goroutines":             runtime.NumGoroutine(),
		"cpu_percent":            cpuPct,
		"memory_mb":              memMB,
		"channels":               channelData,
	}

	log.WithComponent("report").WithFields(fields).Info("runtime report")

	var data []cwtypes.MetricDatum
	data = append(data,
		cwtypes.MetricDatum{MetricName: aws.String("Arbflow-CPUPercent"), Unit: cwtypes.StandardUnitPercent, Value: aws.Float64(cpuPct)},
		cwtypes.MetricDatum{MetricName: aws.String("Arbflow-MemoryMB"), Unit: cwtypes.StandardUnitMegabytes, Value: aws.Float64(float64(memMB))},
		cwtypes.MetricDatum{MetricName: aws.String("Arbflow-EventsIngested"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["events_ingested"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("Arbflow-ResyncEvents"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["resync_events"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("Arbflow-StaleSkips"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["stale_skips"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("Arbflow-SkippedCycles"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["skipped_cycles"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("Arbflow-OpportunitiesDetected"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["opportunities_detected"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("Arbflow-OpportunitiesAccepted"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["opportunities_accepted"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("Arbflow-OpportunitiesRejected"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["opportunities_rejected"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("Arbflow-OpportunitiesDropped"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["opportunities_dropped"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("Arbflow-ReconnectRetries"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["reconnect_retries"].(int64)))},
	)

	for name, stats := range channelData {
		data = append(data,
			cwtypes.MetricDatum{
				MetricName: aws.String("Arbflow-ChannelMessages"),
				Unit:       cwtypes.StandardUnitCount,
				Dimensions: []cwtypes.Dimension{{Name: aws.String("Channel"), Value: aws.String(name)}},
				Value:      aws.Float64(float64(stats["messages"])),
			},
			cwtypes.MetricDatum{
				MetricName: aws.String("Arbflow-ChannelBytes"),
				Unit:       cwtypes.StandardUnitBytes,
				Dimensions: []cwtypes.Dimension{{Name: aws.String("Channel"), Value: aws.String(name)}},
				Value:      aws.Float64(float64(stats["bytes"])),
			},
		)
	}

	publishMetrics(ctx, data)
}
