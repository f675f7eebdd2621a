// Package subscription runs a JetStream durable pull consumer only while the
// local instance is the ACTIVE member of its sticky-active group.
//
// All members of a group share one durable consumer. The ACTIVE member pulls
// from it; standbys keep no pull loop open. After a failover the new leader
// resumes from the durable's ack floor, so unacknowledged work is redelivered
// rather than lost.
//
// Wire an ActiveConsumer to an instance through its hooks:
//
//	consumer, _ := subscription.NewActiveConsumer(nc, subscription.ActiveConsumerConfig{
//	    StreamName:     "ORDERS",
//	    ConsumerName:   "orders-settlement",
//	    FilterSubjects: []string{"orders.settle.>"},
//	}, handler)
//	inst, _ := solo.NewInstance(&cfg, stores, solo.WithHooks(consumer.Hooks(nil)))
package subscription
