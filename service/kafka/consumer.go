package kafka

import (
	"context"
	"time"

	"PChat/tools/errs"

	"github.com/Shopify/sarama"
	"github.com/golang/glog"
	"github.com/pkg/errors"
)

type ConsumerGroupHandler struct {
	router *Router
}

func NewConsumerGroupHandler(r *Router) *ConsumerGroupHandler {
	return &ConsumerGroupHandler{router: r}
}

func (h *ConsumerGroupHandler) Setup(s sarama.ConsumerGroupSession) error {
	glog.Infof("[kafka] consumer group setup member=%s generation=%d", s.MemberID(), s.GenerationID())
	return nil
}

func (h *ConsumerGroupHandler) Cleanup(sarama.ConsumerGroupSession) error {
	glog.Info("[kafka] consumer group cleanup")
	return nil
}

// ConsumeClaim 处理失败只记日志并提交位点，分析类消费不阻塞分区
func (h *ConsumerGroupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for msg := range claim.Messages() {
		handler, err := h.router.Get(msg.Topic)
		if err != nil {
			glog.Warningf("[kafka] %v", err)
		} else if err := handler(session.Context(), msg.Topic, msg.Key, msg.Value); err != nil {
			glog.Errorf("[kafka] handler error topic=%s partition=%d offset=%d: %v",
				msg.Topic, msg.Partition, msg.Offset, err)
		}
		session.MarkMessage(msg, "")
	}
	return nil
}

func NewConsumerGroup(c Config) (sarama.ConsumerGroup, error) {
	if c.GroupID == "" {
		return nil, errs.ErrArgs.WrapMsg("kafka group id required")
	}
	g, err := sarama.NewConsumerGroup(c.Brokers, c.GroupID, BuildBaseConfig(c))
	if err != nil {
		return nil, errs.Dependency(err, "kafka consumer group", "group", c.GroupID)
	}
	return g, nil
}

// RunConsumerGroup 阻塞到 ctx 结束；rebalance 后重新 Consume
func RunConsumerGroup(ctx context.Context, group sarama.ConsumerGroup, r *Router) error {
	topics := r.Topics()
	if len(topics) == 0 {
		return errs.ErrArgs.WrapMsg("no topics registered")
	}
	go func() {
		for err := range group.Errors() {
			glog.Errorf("[kafka] consumer group error: %v", err)
		}
	}()
	handler := NewConsumerGroupHandler(r)
	for {
		if err := group.Consume(ctx, topics, handler); err != nil {
			if errors.Is(err, sarama.ErrClosedConsumerGroup) {
				return nil
			}
			glog.Errorf("[kafka] consume error: %v", err)
			select {
			case <-ctx.Done():
			case <-time.After(time.Second):
			}
		}
		if ctx.Err() != nil {
			return group.Close()
		}
	}
}
