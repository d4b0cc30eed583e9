package feedutil

import (
	"time"

	"github.com/araddon/dateparse"
	"github.com/mmcdole/gofeed"
)

// ItemDate resolves an entry's publication time: structured published field,
// raw published string, structured updated field, raw updated string, then
// the current time.
func ItemDate(item *gofeed.Item) time.Time {
	if item.PublishedParsed != nil {
		return item.PublishedParsed.UTC()
	}
	if item.Published != "" {
		if t, err := dateparse.ParseAny(item.Published); err == nil {
			return t.UTC()
		}
	}
	if item.UpdatedParsed != nil {
		return item.UpdatedParsed.UTC()
	}
	if item.Updated != "" {
		if t, err := dateparse.ParseAny(item.Updated); err == nil {
			return t.UTC()
		}
	}
	return time.Now().UTC()
}
