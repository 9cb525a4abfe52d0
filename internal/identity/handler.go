package identity

import (
	"encoding/json"
	"io"
	"log"
	"net/http"
)

// maxUploadBytes caps the selfie upload size.
const maxUploadBytes = 8 << 20

// Handler serves the verification endpoint: it accepts a selfie upload,
// delegates to the analysis service, and issues a token for the result.
type Handler struct {
	client *Client
	issuer *TokenIssuer
}

// NewHandler creates a verification handler.
func NewHandler(client *Client, issuer *TokenIssuer) *Handler {
	return &Handler{client: client, issuer: issuer}
}

// ServeHTTP handles POST multipart requests with an "image" file part and a
// "fingerprint" form value. On success it responds with the signed token and
// the verified gender.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid upload")
		return
	}

	file, _, err := r.FormFile("image")
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "no image provided")
		return
	}
	defer file.Close()

	image, err := io.ReadAll(file)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid upload")
		return
	}

	fingerprint := r.FormValue("fingerprint")

	result, err := h.client.AnalyzeGender(r.Context(), image)
	// The image is not needed past this point.
	for i := range image {
		image[i] = 0
	}
	if err != nil {
		log.Printf("[identity] analysis failed: %v", err)
		writeJSONError(w, http.StatusBadGateway, "verification failed")
		return
	}

	token, err := h.issuer.Issue(fingerprint, result.Gender)
	if err != nil {
		log.Printf("[identity] token issue: %v", err)
		writeJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	log.Printf("[identity] verified gender=%s", result.Gender)
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{
		"token":  token,
		"gender": result.Gender,
	})
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
