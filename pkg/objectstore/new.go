package objectstore

import "fmt"

// New constructs a Store per cfgBackend ("s3" or "local").
func New(cfgBackend, dataDir, awsRegion string) (Store, error) {
	switch cfgBackend {
	case "s3":
		return NewS3Store(awsRegion)
	case "local", "":
		return NewLocalStore(dataDir)
	default:
		return nil, fmt.Errorf("objectstore: unknown backend %q", cfgBackend)
	}
}
