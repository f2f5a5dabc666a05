package document

import (
	"mime"
	"strconv"
	"time"

	"github.com/kenneth/document-vault/internal/s3"
)

// Object metadata keys. Stored unencrypted so listings never need the KMS.
const (
	MetaOriginalName = "original-name"
	MetaContentType  = "content-type"
	MetaUploadedBy   = "uploaded-by"
	MetaCategory     = "category"
	MetaUploadedAt   = "uploaded-at"
	MetaSizeBytes    = "size-bytes"
	MetaAlgorithm    = "algorithm"
)

// StatusStored is the only status a listed document can have.
const StatusStored = "stored"

// Record is the read-time projection of a stored document.
type Record struct {
	ID           string    `json:"id"`
	OwnerID      string    `json:"ownerId"`
	Category     Category  `json:"category"`
	OriginalName string    `json:"originalName"`
	ContentType  string    `json:"contentType"`
	SizeBytes    int64     `json:"sizeBytes"`
	UploadedAt   time.Time `json:"uploadedAt"`
	Status       string    `json:"status"`
}

// encodeName makes a UTF-8 file name safe for ASCII-only object metadata.
func encodeName(name string) string {
	return mime.QEncoding.Encode("utf-8", name)
}

func decodeName(encoded string) string {
	dec := new(mime.WordDecoder)
	name, err := dec.DecodeHeader(encoded)
	if err != nil {
		return encoded
	}
	return name
}

func buildMetadata(originalName, contentType, uploadedBy string, c Category, uploadedAt time.Time, size int64, algorithm string) map[string]string {
	return map[string]string{
		MetaOriginalName: encodeName(originalName),
		MetaContentType:  contentType,
		MetaUploadedBy:   uploadedBy,
		MetaCategory:     string(c),
		MetaUploadedAt:   uploadedAt.UTC().Format(time.RFC3339Nano),
		MetaSizeBytes:    strconv.FormatInt(size, 10),
		MetaAlgorithm:    algorithm,
	}
}

// recordFromMetadata builds a Record. Ownership and category always come from the path,
// never from metadata.
func recordFromMetadata(p Path, meta map[string]string) Record {
	rec := Record{
		ID:           p.String(),
		OwnerID:      p.OwnerID,
		Category:     p.Category,
		OriginalName: decodeName(meta[MetaOriginalName]),
		ContentType:  meta[MetaContentType],
		Status:       StatusStored,
	}
	if rec.ContentType == "" {
		rec.ContentType = "application/octet-stream"
	}
	if n, err := strconv.ParseInt(meta[MetaSizeBytes], 10, 64); err == nil {
		rec.SizeBytes = n
	}

	for _, raw := range []string{meta[MetaUploadedAt], meta[s3.MetaLastModified]} {
		if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
			rec.UploadedAt = t.UTC()
			break
		}
	}
	if rec.UploadedAt.IsZero() {
		rec.UploadedAt = p.CreatedAt()
	}
	return rec
}
