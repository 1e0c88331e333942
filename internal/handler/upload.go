package handler

import (
	"log"
	"net/http"
)

// maxUploadSize はアップロード可能な最大ファイルサイズ
const maxUploadSize = 15 << 20

// Upload handles POST /api/upload
func (h *Handler) Upload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadSize)

	file, header, err := r.FormFile("file")
	if err != nil {
		respondError(w, http.StatusBadRequest, "file is required")
		return
	}
	defer file.Close()

	meta, err := h.Blob.Save(header.Filename, header.Header.Get("Content-Type"), file)
	if err != nil {
		log.Printf("[POST /api/upload] ❌ Upload failed: %v", err)
		respondError(w, http.StatusInternalServerError, "upload failed")
		return
	}

	log.Printf("[POST /api/upload] ✅ Stored %s (%d bytes)", meta.Name, meta.Size)
	respondJSON(w, http.StatusOK, meta)
}
