package persist

import "encoding/base64"

// docID maps an Entry hash onto a name safe for document stores and object
// paths.
func docID(hash string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(hash))
}
