package channel

import (
	"context"
	"sync"
	"time"

	"quoteflow/logger"
	"quoteflow/models"
)

type ChannelStats struct {
	RawSent          int64
	RawDropped       int64
	AnnotatedSent    int64
	AnnotatedDropped int64
}

// Channels carries the two buffered stages of the pipeline: raw quotes from
// the feed readers into the processor, and annotated quotes from the
// processor into the archive writer. Sends are non-blocking; a full buffer
// counts a drop instead of stalling the producer.
type Channels struct {
	Raw       chan models.Quote
	Annotated chan models.AnnotatedQuote

	stats               ChannelStats
	statsMutex          sync.RWMutex
	log                 *logger.Log
	metricsReportTicker *time.Ticker
}

func NewChannels(rawBufferSize, annotatedBufferSize int) *Channels {
	log := logger.GetLogger()

	c := &Channels{
		Raw:       make(chan models.Quote, rawBufferSize),
		Annotated: make(chan models.AnnotatedQuote, annotatedBufferSize),
		log:       log,
	}

	log.WithComponent("channels").WithFields(logger.Fields{
		"raw_buffer_size":       rawBufferSize,
		"annotated_buffer_size": annotatedBufferSize,
	}).Info("channels initialized")

	return c
}

func (c *Channels) SendRaw(ctx context.Context, q models.Quote) bool {
	select {
	case c.Raw <- q:
		c.statsMutex.Lock()
		c.stats.RawSent++
		c.statsMutex.Unlock()
		logger.RecordChannelMessage("quotes_raw", 1)
		return true
	case <-ctx.Done():
		return false
	default:
		c.statsMutex.Lock()
		c.stats.RawDropped++
		c.statsMutex.Unlock()
		return false
	}
}

func (c *Channels) SendAnnotated(ctx context.Context, aq models.AnnotatedQuote) bool {
	select {
	case c.Annotated <- aq:
		c.statsMutex.Lock()
		c.stats.AnnotatedSent++
		c.statsMutex.Unlock()
		logger.RecordChannelMessage("quotes_annotated", 1)
		return true
	case <-ctx.Done():
		return false
	default:
		c.statsMutex.Lock()
		c.stats.AnnotatedDropped++
		c.statsMutex.Unlock()
		return false
	}
}

func (c *Channels) GetStats() ChannelStats {
	c.statsMutex.RLock()
	defer c.statsMutex.RUnlock()
	return c.stats
}

func (c *Channels) StartMetricsReporting(ctx context.Context) {
	c.metricsReportTicker = time.NewTicker(30 * time.Second)

	go func() {
		for {
			select {
			case <-ctx.Done():
				c.metricsReportTicker.Stop()
				return
			case <-c.metricsReportTicker.C:
				c.logChannelStats()
			}
		}
	}()
}

func (c *Channels) logChannelStats() {
	stats := c.GetStats()

	c.log.WithComponent("channels").WithFields(logger.Fields{
		"raw_sent":              stats.RawSent,
		"raw_dropped":           stats.RawDropped,
		"annotated_sent":        stats.AnnotatedSent,
		"annotated_dropped":     stats.AnnotatedDropped,
		"raw_channel_len":       len(c.Raw),
		"raw_channel_cap":       cap(c.Raw),
		"annotated_channel_len": len(c.Annotated),
		"annotated_channel_cap": cap(c.Annotated),
	}).Info("channel statistics")
}

func (c *Channels) Close() {
	if c.metricsReportTicker != nil {
		c.metricsReportTicker.Stop()
	}

	close(c.Raw)
	close(c.Annotated)

	c.log.WithComponent("channels").Info("all channels closed")
}
