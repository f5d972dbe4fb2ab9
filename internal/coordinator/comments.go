package coordinator

import (
	"context"

	"github.com/MarcoPoloResearchLab/gridcollab/internal/collab"
	"github.com/MarcoPoloResearchLab/gridcollab/internal/comments"
	"github.com/MarcoPoloResearchLab/gridcollab/internal/notify"
	"go.uber.org/zap"
)

const (
	opCreateComment = "comments.create"
	opUpdateComment = "comments.update"
	opDeleteComment = "comments.delete"
	opToggleComment = "comments.toggle_resolution"
)

// CreateComment adds a comment or reply to a row and notifies mentioned collaborators.
func (c *Coordinator) CreateComment(ctx context.Context, actor collab.Collaborator, tableID, rowID, content, parentID string) (comments.Comment, error) {
	if err := requireActor(opCreateComment, actor); err != nil {
		return comments.Comment{}, err
	}
	table, err := normalizeTable(opCreateComment, tableID)
	if err != nil {
		return comments.Comment{}, err
	}
	scope := c.lockScope(table)
	defer scope.mu.Unlock()

	result, err := c.comments.Create(context.WithoutCancel(ctx), actor, table, rowID, content, parentID)
	if err != nil {
		return comments.Comment{}, err
	}
	c.finishComment(result, actor)
	return result.Comment, nil
}

// UpdateComment edits a comment authored by actor.
func (c *Coordinator) UpdateComment(ctx context.Context, actor collab.Collaborator, commentID, content string) (comments.Comment, error) {
	return c.mutateComment(ctx, opUpdateComment, actor, commentID, func(ctx context.Context) (comments.Result, error) {
		return c.comments.Update(ctx, actor, commentID, content)
	})
}

// DeleteComment hard-deletes a comment. Replies of a deleted top-level comment remain.
func (c *Coordinator) DeleteComment(ctx context.Context, actor collab.Collaborator, commentID string) (comments.Comment, error) {
	return c.mutateComment(ctx, opDeleteComment, actor, commentID, func(ctx context.Context) (comments.Result, error) {
		return c.comments.Delete(ctx, actor, commentID)
	})
}

// ToggleResolution flips the resolved flag of a top-level comment.
func (c *Coordinator) ToggleResolution(ctx context.Context, actor collab.Collaborator, commentID string) (comments.Comment, error) {
	return c.mutateComment(ctx, opToggleComment, actor, commentID, func(ctx context.Context) (comments.Result, error) {
		return c.comments.ToggleResolution(ctx, actor, commentID)
	})
}

// ListForRow returns the comment threads of a row.
func (c *Coordinator) ListForRow(ctx context.Context, tableID, rowID string, includeResolved bool) ([]comments.Comment, error) {
	return c.comments.ListForRow(ctx, tableID, rowID, includeResolved)
}

// GetComment loads a single comment.
func (c *Coordinator) GetComment(ctx context.Context, commentID string) (comments.Comment, error) {
	return c.comments.Get(ctx, commentID)
}

func (c *Coordinator) mutateComment(ctx context.Context, operation string, actor collab.Collaborator, commentID string, apply func(ctx context.Context) (comments.Result, error)) (comments.Comment, error) {
	if err := requireActor(operation, actor); err != nil {
		return comments.Comment{}, err
	}
	existing, err := c.comments.Get(ctx, commentID)
	if err != nil {
		return comments.Comment{}, err
	}
	scope := c.lockScope(existing.TableID)
	defer scope.mu.Unlock()

	result, err := apply(context.WithoutCancel(ctx))
	if err != nil {
		return comments.Comment{}, err
	}
	c.finishComment(result, actor)
	return result.Comment, nil
}

// finishComment publishes the committed entry and hands new mentions to the notifier.
// The caller holds the scope of the comment's table.
func (c *Coordinator) finishComment(result comments.Result, actor collab.Collaborator) {
	c.publishEntry(result.Entry)
	if c.mentions == nil || len(result.NewMentions) == 0 {
		return
	}
	mentions := make([]notify.Mention, 0, len(result.NewMentions))
	for _, userID := range result.NewMentions {
		mentions = append(mentions, notify.Mention{
			MentionedUserID: userID,
			CommentID:       result.Comment.ID,
			TableID:         result.Comment.TableID,
			RowID:           result.Comment.RowID,
			AuthorID:        actor.ID,
			CreatedAt:       result.Entry.Timestamp,
		})
	}
	if err := c.mentions.Submit(mentions...); err != nil {
		c.logger.Warn("mention notifications not queued",
			zap.String("operation", "comments.notify"),
			zap.String("comment_id", result.Comment.ID),
			zap.Error(err))
	}
}
