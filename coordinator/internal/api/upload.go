package api

import (
	"io"
	"net/http"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/fabricrun/fabric/shared/sandbox"
)

// maxUploadBytes bounds a single multipart upload.
const maxUploadBytes = 32 << 20

// UploadHandler implements POST /upload: a multipart file lands on disk
// under a generated file-ref, which a later /submit can reference.
type UploadHandler struct {
	dir string
}

// NewUploadHandler constructs an UploadHandler rooted at dir.
func NewUploadHandler(dir string) *UploadHandler {
	return &UploadHandler{dir: dir}
}

type uploadResponse struct {
	FileRef  string `json:"file_ref"`
	Filename string `json:"filename"`
	Size     int64  `json:"size"`
}

// Upload handles POST /upload.
func (h *UploadHandler) Upload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		ErrBadRequest(w, "invalid multipart form: "+err.Error())
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		ErrBadRequest(w, "missing file field")
		return
	}
	defer file.Close()

	if err := sandbox.SanitizeArtifactName(header.Filename); err != nil {
		ErrBadRequest(w, "invalid filename: "+err.Error())
		return
	}

	if err := os.MkdirAll(h.dir, 0o755); err != nil {
		ErrInternal(w)
		return
	}

	fileRef := uuid.NewString()
	dest := filepath.Join(h.dir, fileRef+"-"+header.Filename)

	out, err := os.Create(dest)
	if err != nil {
		ErrInternal(w)
		return
	}
	defer out.Close()

	n, err := io.Copy(out, file)
	if err != nil {
		ErrInternal(w)
		return
	}

	Ok(w, uploadResponse{FileRef: fileRef, Filename: header.Filename, Size: n})
}
