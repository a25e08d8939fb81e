// Package records contains the record store adapters behind
// scan.RecordQuerier and the pieces they share.
package records

import (
	"time"

	"github.com/ahrav/blockscan/internal/domain/scan"
)

// Post is a content record as stored by the record store.
type Post struct {
	ID      int64
	Type    string
	Status  string
	Date    time.Time
	Content string
}

// PublishedPost returns a published post of the default type.
func PublishedPost(id int64, date time.Time, content string) Post {
	return Post{ID: id, Type: scan.DefaultPostType, Status: scan.DefaultPostStatus, Date: date, Content: content}
}

// Trim converts the size+1 rows a store read into a page: the extra row
// only signals that another page exists.
func Trim(ids []int64, size int) scan.Page {
	if len(ids) > size {
		return scan.Page{IDs: ids[:size], IsLastPage: false}
	}
	return scan.Page{IDs: ids, IsLastPage: true}
}
