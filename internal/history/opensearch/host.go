package opensearch

import "os"

var hostname = func() string {
	h, _ := os.Hostname()
	return h
}()
