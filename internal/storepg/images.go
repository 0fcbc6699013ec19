package storepg

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/kozaktomas/photo-sorter/internal/model"
)

// ImageRepository stores the raw per-pose enrollment images C3 reads from,
// separate from the embedding blobs C1 writes (§6.1's large-object store,
// applied to two distinct kinds of object).
type ImageRepository struct {
	pool *Pool
}

// NewImageRepository constructs an ImageRepository.
func NewImageRepository(pool *Pool) *ImageRepository {
	return &ImageRepository{pool: pool}
}

// PutPose stores one pose's enrollment image, overwriting any prior upload
// for the same (tenant, subject, model, pose).
func (r *ImageRepository) PutPose(ctx context.Context, tenantID, subjectID, modelName string, pose model.Pose, image []byte) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO enrollment_images (tenant_id, subject_id, model, pose, image)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (tenant_id, subject_id, model, pose) DO UPDATE SET
			image = EXCLUDED.image, uploaded_at = now()
	`, tenantID, subjectID, modelName, string(pose), image)
	if err != nil {
		return fmt.Errorf("put enrollment image %s/%s/%s: %w", tenantID, subjectID, pose, err)
	}
	return nil
}

// LoadPose implements trainer.ImageSource: it returns (nil, false, nil) when
// no image was ever uploaded for that pose, matching §4.3 step 1's "0-faces
// poses are skipped" precondition (an unenrolled pose is simply absent).
func (r *ImageRepository) LoadPose(ctx context.Context, tenantID, subjectID, modelName string, pose model.Pose) ([]byte, bool, error) {
	var image []byte
	err := r.pool.QueryRow(ctx, `
		SELECT image FROM enrollment_images WHERE tenant_id = $1 AND subject_id = $2 AND model = $3 AND pose = $4
	`, tenantID, subjectID, modelName, string(pose)).Scan(&image)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("load enrollment image %s/%s/%s: %w", tenantID, subjectID, pose, err)
	}
	return image, true, nil
}
