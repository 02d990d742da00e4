package domain

import "context"

type Service interface {
	// RecordDownload never fails the caller; tracking errors are logged and dropped.
	RecordDownload(ctx context.Context, userID, itemID string)
	TotalForItem(ctx context.Context, itemID string) (int64, error)
	Analytics(ctx context.Context) (*Analytics, error)
}
