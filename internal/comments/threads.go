package comments

import "sort"

// buildThreads nests replies under their top-level comment. Replies whose parent no longer
// exists are grouped under a placeholder marked Deleted. Resolved threads are dropped unless
// includeResolved is set.
func buildThreads(rows []Comment, includeResolved bool) []Comment {
	sort.SliceStable(rows, func(i, j int) bool {
		return commentBefore(rows[i], rows[j])
	})

	threads := make([]Comment, 0)
	index := make(map[string]int)
	for _, comment := range rows {
		if comment.IsTopLevel() {
			comment.Replies = nil
			index[comment.ID] = len(threads)
			threads = append(threads, comment)
		}
	}
	for _, comment := range rows {
		if comment.IsTopLevel() {
			continue
		}
		parentID := *comment.ParentID
		position, ok := index[parentID]
		if !ok {
			position = len(threads)
			index[parentID] = position
			threads = append(threads, Comment{
				ID:        parentID,
				TableID:   comment.TableID,
				RowID:     comment.RowID,
				CreatedAt: comment.CreatedAt,
				UpdatedAt: comment.CreatedAt,
				Mentions:  []string{},
				Deleted:   true,
			})
		}
		threads[position].Replies = append(threads[position].Replies, comment)
	}

	sort.SliceStable(threads, func(i, j int) bool {
		return commentBefore(threads[i], threads[j])
	})

	visible := threads[:0]
	for _, thread := range threads {
		if thread.IsResolved && !includeResolved {
			continue
		}
		visible = append(visible, thread)
	}
	return visible
}

func commentBefore(left, right Comment) bool {
	if !left.CreatedAt.Equal(right.CreatedAt) {
		return left.CreatedAt.Before(right.CreatedAt)
	}
	return left.ID < right.ID
}
