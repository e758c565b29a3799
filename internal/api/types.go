package api

import "time"

// Credentials is the JSON body of the register and login calls.
type Credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// TokenResponse is the login response.
type TokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type,omitempty"`
}

// Prediction is the predict response. Confidence is in [0,1].
type Prediction struct {
	Prediction    string  `json:"prediction"`
	Confidence    float64 `json:"confidence"`
	AnnotatedPath string  `json:"annotated_path,omitempty"`
	SavedPath     string  `json:"saved_path,omitempty"`
}

// Upload is a single record of the history response.
type Upload struct {
	ID            int64      `json:"id"`
	OriginalPath  string     `json:"original_path"`
	Prediction    string     `json:"prediction"`
	Confidence    float64    `json:"confidence"`
	AnnotatedPath string     `json:"annotated_path,omitempty"`
	CreatedAt     *time.Time `json:"created_at,omitempty"`
}

// File is an image chosen for upload.
type File struct {
	Name        string
	ContentType string
	Data        []byte
}

// Size returns the file size in bytes.
func (f File) Size() int {
	return len(f.Data)
}
