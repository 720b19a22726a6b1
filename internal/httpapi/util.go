package httpapi

import (
	"encoding/json"
	"io"
	"net/http"

	"smartpole-telemetry/internal/models"
)

const maxBodyBytes = 1 << 20 // 设备上报体积很小，1MB 足够

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeResult 设备端点统一返回 HTTP 200 + 结构化状态（固件只看 body）
func writeResult(w http.ResponseWriter, result *models.Result) {
	writeJSON(w, http.StatusOK, result)
}

func readBodyJSON(r *http.Request, out any) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return err
	}
	if len(body) == 0 {
		return nil
	}
	return json.Unmarshal(body, out)
}

// readBodyMap 读取扁平 key/value 载荷（设备上报格式）
func readBodyMap(r *http.Request) (map[string]interface{}, error) {
	var data map[string]interface{}
	if err := readBodyJSON(r, &data); err != nil {
		return nil, err
	}
	if data == nil {
		data = map[string]interface{}{}
	}
	return data, nil
}
