package usecase

import "ImageGuard/internal/domain"

type delivery struct {
	consumer domain.ConsumerID
	report   domain.Report
}

// fanOut drains the record's consumers and pairs each with the record's report. Callers hold c.mu.
func fanOut(rec *domain.AnalysisRecord) []delivery {
	consumers := rec.DrainConsumers()
	if len(consumers) == 0 {
		return nil
	}

	report := rec.Report()
	deliveries := make([]delivery, 0, len(consumers))
	for _, consumer := range consumers {
		deliveries = append(deliveries, delivery{consumer: consumer, report: report})
	}
	return deliveries
}

func single(consumer domain.ConsumerID, rec *domain.AnalysisRecord) []delivery {
	return []delivery{{consumer: consumer, report: rec.Report()}}
}

// deliver sends outside the coordination lock. Send failures never reach the dispatcher.
func (c *Coordinator) deliver(deliveries []delivery) {
	if c.messenger == nil {
		return
	}
	for _, d := range deliveries {
		c.messenger.Deliver(d.consumer, d.report)
		c.deliveries.Add(1)
	}
}
