package worker

import (
	iface "PoseBridge/interface"
	"PoseBridge/logger"
	"PoseBridge/monitor"
	"PoseBridge/port"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// ResultPublisher writes the keypoints of every batch with at least one
// person to the target port.
type ResultPublisher struct {
	out   port.OutPort
	table iface.BodyPartTable
	log   *zap.Logger

	published atomic.Uint64
	once      sync.Once
}

func NewResultPublisher(out port.OutPort, model iface.PoseModel, log *zap.Logger) *ResultPublisher {
	return &ResultPublisher{
		out:   out,
		table: iface.BodyParts(model),
		log:   logger.Or(log).With(zap.String("port", out.Name())),
	}
}

func (p *ResultPublisher) Process(b *iface.DetectionBatch) {
	if b.Empty() {
		return
	}
	payload, err := port.EncodeTarget(Records(b.People, p.table))
	if err != nil {
		p.log.Error("target message could not be encoded", zap.Error(err))
		return
	}
	if err := p.out.Write(payload); err != nil {
		p.log.Warn("target message not written", zap.Error(err))
		return
	}
	p.published.Add(1)
	monitor.Published.WithLabelValues(p.out.Name()).Inc()
	monitor.PersonsDetected.Add(float64(len(b.People)))
}

// Records lists one [name, x, y, confidence] record per keypoint, persons in
// engine order. It panics on a part index outside the table.
func Records(people []iface.Person, table iface.BodyPartTable) port.TargetMessage {
	msg := make(port.TargetMessage, 0, len(people))
	for _, person := range people {
		records := make([]port.PartRecord, 0, len(person.Keypoints))
		for _, k := range person.Keypoints {
			records = append(records, port.PartRecord{
				Name:       table.Name(k.Part),
				X:          k.X,
				Y:          k.Y,
				Confidence: k.Confidence,
			})
		}
		msg = append(msg, records)
	}
	return msg
}

func (p *ResultPublisher) Published() uint64 {
	return p.published.Load()
}

func (p *ResultPublisher) Close() error {
	var err error
	p.once.Do(func() {
		err = p.out.Close()
	})
	return err
}
