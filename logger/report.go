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
	errorsFeed     int64
	errorsStorage  int64
	warnsFeed      int64
	warnsStorage   int64
	framesReceived int64
	recordsStored  int64
	archiveWrites  int64
	channels       sync.Map // map[string]*channelStat
)

func recordWarn(component string) {
	if strings.Contains(component, "storage") || strings.Contains(component, "archive") {
		atomic.AddInt64(&warnsStorage, 1)
	} else {
		atomic.AddInt64(&warnsFeed, 1)
	}
}

func recordError(component string) {
	if strings.Contains(component, "storage") || strings.Contains(component, "archive") {
		atomic.AddInt64(&errorsStorage, 1)
	} else {
		atomic.AddInt64(&errorsFeed, 1)
	}
}

// IncrementFrameRead counts one inbound feed frame of the given size.
func IncrementFrameRead(size int) {
	atomic.AddInt64(&framesReceived, 1)
	recordChannel("feed_ws", size)
}

// IncrementRecordStored counts one record accepted by the storage sink.
func IncrementRecordStored() {
	atomic.AddInt64(&recordsStored, 1)
	recordChannel("storage_insert", 1)
}

// IncrementArchiveWrite counts one archived batch of the given size.
func IncrementArchiveWrite(size int64) {
	atomic.AddInt64(&archiveWrites, 1)
	recordChannel("s3_archive_write", int(size))
}

func recordChannel(name string, size int) {
	v, _ := channels.LoadOrStore(name, &channelStat{})
	cs := v.(*channelStat)
	atomic.AddInt64(&cs.messages, 1)
	atomic.AddInt64(&cs.bytes, int64(size))
}

// StartReport begins periodic logging of system and pipeline statistics.
func StartReport(ctx context.Context, log *Log, interval time.Duration) {
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
		"errors_feed":     atomic.LoadInt64(&errorsFeed),
		"errors_storage":  atomic.LoadInt64(&errorsStorage),
		"warns_feed":      atomic.LoadInt64(&warnsFeed),
		"warns_storage":   atomic.LoadInt64(&warnsStorage),
		"frames_received": atomic.LoadInt64(&framesReceived),
		"records_stored":  atomic.LoadInt64(&recordsStored),
		"archive_writes":  atomic.LoadInt64(&archiveWrites),
		"goroutines":      runtime.NumGoroutine(),
		"cpu_percent":     cpuPct,
		"memory_mb":       memMB,
		"channels":        channelData,
	}

	log.WithComponent("report").WithFields(fields).Info("runtime report")

	data := []cwtypes.MetricDatum{
		{MetricName: aws.String("CPUPercent"), Unit: cwtypes.StandardUnitPercent, Value: aws.Float64(cpuPct)},
		{MetricName: aws.String("MemoryMB"), Unit: cwtypes.StandardUnitMegabytes, Value: aws.Float64(float64(memMB))},
		{MetricName: aws.String("ErrorsFeed"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(atomic.LoadInt64(&errorsFeed)))},
		{MetricName: aws.String("ErrorsStorage"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(atomic.LoadInt64(&errorsStorage)))},
		{MetricName: aws.String("FramesReceived"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(atomic.LoadInt64(&framesReceived)))},
		{MetricName: aws.String("RecordsStored"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(atomic.LoadInt64(&recordsStored)))},
		{MetricName: aws.String("ArchiveWrites"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(atomic.LoadInt64(&archiveWrites)))},
	}

	for name, stats := range channelData {
		data = append(data,
			cwtypes.MetricDatum{
				MetricName: aws.String("ChannelMessages"),
				Unit:       cwtypes.StandardUnitCount,
				Dimensions: []cwtypes.Dimension{{Name: aws.String("Channel"), Value: aws.String(name)}},
				Value:      aws.Float64(float64(stats["messages"])),
			},
			cwtypes.MetricDatum{
				MetricName: aws.String("ChannelBytes"),
				Unit:       cwtypes.StandardUnitBytes,
				Dimensions: []cwtypes.Dimension{{Name: aws.String("Channel"), Value: aws.String(name)}},
				Value:      aws.Float64(float64(stats["bytes"])),
			},
		)
	}

	publishMetrics(ctx, data)
}
