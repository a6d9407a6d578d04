package relay

// StoredOperation is the relay's append-only operation log. The unique
// index on op_id makes submission idempotent: redelivered operations
// insert nothing and reuse the original sequence number.
type StoredOperation struct {
	Seq               int64  `gorm:"column:seq;primaryKey;autoIncrement"`
	OpID              string `gorm:"column:op_id;size:190;not null;uniqueIndex:idx_canvas_op_dedupe"`
	Kind              string `gorm:"column:kind;size:32;not null"`
	TargetID          string `gorm:"column:target_id;size:190;not null;index:idx_canvas_ops_target"`
	AuthorID          string `gorm:"column:author_id;size:190;not null"`
	LogicalTime       int64  `gorm:"column:logical_time;not null;index:idx_canvas_ops_ltime"`
	ObjectVersion     int64  `gorm:"column:object_version;not null;default:0"`
	PayloadJSON       string `gorm:"column:payload_json;type:text;not null"`
	ReceivedAtSeconds int64  `gorm:"column:received_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (StoredOperation) TableName() string {
	return "canvas_operations"
}
