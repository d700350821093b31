package broker

const (
	OrdersExchangeName = "orders.exchange"
	OrdersExchangeType = "topic"

	// API sends to and the worker reads from:
	OrderCreatedQueue      = "orders.created.q"
	OrderCreatedRoutingKey = "orders.created"

	// Rejected and exhausted deliveries end up here:
	DeadLetterExchangeName    = "orders.dlx"
	OrderCreatedDeadQueue     = "orders.created.dlq"
	OrderCreatedDeadLetterKey = "orders.created.dead"
)
