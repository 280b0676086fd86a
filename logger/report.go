package logger

import (
	"context"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
	gnet "github.com/shirou/gopsutil/v3/net" //cloudwatch

	"github.com/aws/aws-sdk-go-v2/aws"                              //cloudwatch
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types" //cloudwatch
)

type channelStat struct {
	messages int64
	bytes    int64
}

var (
	errorsFeed       int64
	errorsBroker     int64
	warnsFeed        int64
	warnsBroker      int64
	feedReads        int64
	deliveries       int64
	deliveryFailures int64
	storeWrites      int64
	archiveWrites    int64
	channels         sync.Map // map[string]*channelStat
)

func recordWarn(component string) {
	if strings.Contains(component, "feed") || strings.Contains(component, "reader") {
		atomic.AddInt64(&warnsFeed, 1)
	} else if strings.Contains(component, "broker") || strings.Contains(component, "server") {
		atomic.AddInt64(&warnsBroker, 1)
	}
}

func recordError(component string) {
	if strings.Contains(component, "feed") || strings.Contains(component, "reader") {
		atomic.AddInt64(&errorsFeed, 1)
	} else if strings.Contains(component, "broker") || strings.Contains(component, "server") {
		atomic.AddInt64(&errorsBroker, 1)
	}
}

// IncrementFeedRead counts one raw quote read off the upstream feed.
func IncrementFeedRead(size int) {
	atomic.AddInt64(&feedReads, 1)
	recordChannel("feed_ws", size)
}

// IncrementDelivery counts one annotated quote handed to a subscriber.
func IncrementDelivery(size int) {
	atomic.AddInt64(&deliveries, 1)
	recordChannel("broker_delivery", size)
}

// IncrementDeliveryFailure counts one subscriber send that errored.
func IncrementDeliveryFailure() {
	atomic.AddInt64(&deliveryFailures, 1)
}

// IncrementStoreWrite counts one latest-quote mirror write.
func IncrementStoreWrite(size int) {
	atomic.AddInt64(&storeWrites, 1)
	recordChannel("store_write", size)
}

// IncrementArchiveWrite counts one parquet object upload.
func IncrementArchiveWrite(size int64) {
	atomic.AddInt64(&archiveWrites, 1)
	recordChannel("archive_s3_write", int(size))
}

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

// StartReport begins periodic logging of system and channel statistics.
// It exposes the internal startReport function for use by other packages.
func StartReport(ctx context.Context, log *Log, interval time.Duration) {
	startReport(ctx, log, interval)
}

func logReport(ctx context.Context, log *Log) {
	cpuPercent, _ := cpu.Percent(0, false)
	memStats, _ := mem.VirtualMemory()
	diskStats, _ := disk.Usage("/")
	netStats, _ := gnet.IOCounters(false)
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

	bytesSent := uint64(0)
	bytesRecv := uint64(0)
	if len(netStats) > 0 {
		bytesSent = netStats[0].BytesSent
		bytesRecv = netStats[0].BytesRecv
	}

	fields := Fields{
		"errors_feed":       atomic.LoadInt64(&errorsFeed),
		"errors_broker":     atomic.LoadInt64(&errorsBroker),
		"warns_feed":        atomic.LoadInt64(&warnsFeed),
		"warns_broker":      atomic.LoadInt64(&warnsBroker),
		"feed_reads":        atomic.LoadInt64(&feedReads),
		"deliveries":        atomic.LoadInt64(&deliveries),
		"delivery_failures": atomic.LoadInt64(&deliveryFailures),
		"store_writes":      atomic.LoadInt64(&storeWrites),
		"archive_writes":    atomic.LoadInt64(&archiveWrites),
		"goroutines":        runtime.NumGoroutine(),
		"cpu_percent":       cpuPct,
		"memory_mb":         int64(memStats.Used) / 1024 / 1024,
		"disk_mb":           int64(diskStats.Used) / 1024 / 1024,
		"channels":          channelData,
		"net_bytes_sent":    int64(bytesSent),
		"net_bytes_recv":    int64(bytesRecv),
	}

	log.WithComponent("report").WithFields(fields).Info("runtime report")

	var data []cwtypes.MetricDatum
	data = append(data,
		cwtypes.MetricDatum{MetricName: aws.String("QF-CPUPercent"), Unit: cwtypes.StandardUnitPercent, Value: aws.Float64(cpuPct)},
		cwtypes.MetricDatum{MetricName: aws.String("QF-MemoryMB"), Unit: cwtypes.StandardUnitMegabytes, Value: aws.Float64(float64(memStats.Used) / 1024 / 1024)},
		cwtypes.MetricDatum{MetricName: aws.String("QF-DiskMB"), Unit: cwtypes.StandardUnitMegabytes, Value: aws.Float64(float64(diskStats.Used) / 1024 / 1024)},
		cwtypes.MetricDatum{MetricName: aws.String("QF-ErrorsFeed"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["errors_feed"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("QF-ErrorsBroker"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["errors_broker"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("QF-WarnsFeed"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["warns_feed"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("QF-WarnsBroker"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["warns_broker"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("QF-FeedReads"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["feed_reads"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("QF-Deliveries"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["deliveries"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("QF-DeliveryFailures"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["delivery_failures"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("QF-StoreWrites"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["store_writes"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("QF-ArchiveWrites"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["archive_writes"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("QF-NetBytesSent"), Unit: cwtypes.StandardUnitBytes, Value: aws.Float64(float64(bytesSent))},
		cwtypes.MetricDatum{MetricName: aws.String("QF-NetBytesRecv"), Unit: cwtypes.StandardUnitBytes, Value: aws.Float64(float64(bytesRecv))},
	)

	for name, stats := range channelData {
		data = append(data,
			cwtypes.MetricDatum{
				MetricName: aws.String("QF-ChannelMessages"),
				Unit:       cwtypes.StandardUnitCount,
				Dimensions: []cwtypes.Dimension{{Name: aws.String("Channel"), Value: aws.String(name)}},
				Value:      aws.Float64(float64(stats["messages"])),
			},
			cwtypes.MetricDatum{
				MetricName: aws.String("QF-ChannelBytes"),
				Unit:       cwtypes.StandardUnitBytes,
				Dimensions: []cwtypes.Dimension{{Name: aws.String("Channel"), Value: aws.String(name)}},
				Value:      aws.Float64(float64(stats["bytes"])),
			},
		)
	}

	publishMetrics(ctx, data)
}
