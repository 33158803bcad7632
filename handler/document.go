package handlers

import (
	"net/http"
	"strings"

	"courtsync/socket"
)

// DocumentHandler serves stored document bytes for rendering. The document
// id comes from the path: /document/{id}.
type DocumentHandler struct {
	Hub *socket.Hub
}

func (h *DocumentHandler) GetDocument(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	docID := strings.TrimPrefix(r.URL.Path, "/document/")
	if docID == "" || strings.Contains(docID, "/") {
		http.Error(w, "Document not found", http.StatusNotFound)
		return
	}

	data, doc, ok := h.Hub.DocumentBytes(docID)
	if !ok {
		http.Error(w, "Document not found", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/pdf")
	w.Header().Set("Content-Disposition", `inline; filename="`+doc.Name+`"`)
	w.Write(data)
}
