package id

import (
	"strconv"
	"sync"

	"github.com/bwmarrin/snowflake"
)

var (
	node *snowflake.Node
	once sync.Once
)

// Init initializes the Snowflake node with the given node ID. Each process
// (server, worker) must use a distinct node ID so ids never collide.
func Init(nodeID int64) error {
	var err error
	once.Do(func() {
		node, err = snowflake.NewNode(nodeID)
	})
	return err
}

// New generates a new globally unique int64 ID using the Snowflake algorithm.
// IDs are time-ordered and unique across distributed instances.
func New() int64 {
	return node.Generate().Int64()
}

// NewString returns a freshly generated ID in decimal string form. The
// session reconstructor uses this to mint session ids, relying on the
// time-ordering of Snowflake ids.
func NewString() string {
	return strconv.FormatInt(New(), 10)
}
