package console

import (
	"encoding/hex"
	"encoding/json"
	"net/http"
)

func hexEncode(b []byte) string { return hex.EncodeToString(b) }

func httpGetJSON(url string, v any) error {
	resp, err := http.Get(url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return json.NewDecoder(resp.Body).Decode(v)
}
