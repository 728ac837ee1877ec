package s3

// SecureMIMETypesExtension 定義了標的文件允許上傳的類型及其對應的副檔名
// 除了圖片之外也接受PDF，報告與鑑價書多半是這個格式
var SecureMIMETypesExtension = map[string]string{
	"application/pdf": "pdf",
	"image/jpeg":      "jpeg",
	"image/png":       "png",
	"image/gif":       "gif",
	"image/bmp":       "bmp",
	"image/tiff":      "tiff",
	"image/webp":      "webp",
}

// CheckSecureDocumentAndGetExtension 檢查給定的 MIME 類型是否為允許的文件類型，並返回對應的副檔名
func CheckSecureDocumentAndGetExtension(mimeType string) (bool, string) {
	ext, ok := SecureMIMETypesExtension[mimeType]
	return ok, ext
}
