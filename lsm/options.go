package lsm

import "go.uber.org/zap"

const (
	defaultBlockSize          = 4 * 1024
	defaultMemtableSizeLimit  = 4 * 1024 * 1024
)

// Options configures an Engine. Open replaces the zero value with
// DefaultOptions; in any other value, a zero BlockSize or MemtableSizeLimit
// takes its default, while Serializable and SyncOnCommit are used as given.
type Options struct {
	BlockSize          int
	MemtableSizeLimit  uint64
	Serializable       bool
	SyncOnCommit       bool
	Logger             *zap.Logger
}

func DefaultOptions() Options {
	return Options{
		BlockSize:         defaultBlockSize,
		MemtableSizeLimit: defaultMemtableSizeLimit,
		Serializable:      true,
		SyncOnCommit:      true,
	}
}

func (o Options) withDefaults() Options {
	if o.BlockSize <= 0 {
		o.BlockSize = defaultBlockSize
	}
	if o.MemtableSizeLimit == 0 {
		o.MemtableSizeLimit = defaultMemtableSizeLimit
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	return o
}
