package routing

import "strings"

// NormalizePath はリクエストパスを正規化する。
// クエリ文字列の除去、重複スラッシュの圧縮、末尾スラッシュの除去を行う。
// ルートパスは "/" のまま返す。
func NormalizePath(path string) string {
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}

	segs := splitSegments(path)
	if len(segs) == 0 {
		return "/"
	}
	return "/" + strings.Join(segs, "/")
}

// splitSegments はパスを空でないセグメントのリストに分割する。
// 重複スラッシュや末尾スラッシュ由来の空セグメントはここで消える。
func splitSegments(path string) []string {
	parts := strings.Split(path, "/")
	segs := make([]string, 0, len(parts))
	for _, p := range parts {
		if p != "" {
			segs = append(segs, p)
		}
	}
	return segs
}

// hasSegmentPrefix はpathSegsがprefixSegsをセグメント単位の
// プレフィックスとして持つか判定する。
// 文字列プレフィックスではなくセグメント単位で比較するため、
// "/api/norm" が "/api/normcontrol2/status" に誤一致することはない。
func hasSegmentPrefix(pathSegs, prefixSegs []string) bool {
	if len(prefixSegs) > len(pathSegs) {
		return false
	}
	for i, seg := range prefixSegs {
		if pathSegs[i] != seg {
			return false
		}
	}
	return true
}

// stripSegmentPrefix は正規化済みパスの先頭からstripセグメント列を
// 構造的に除去した転送パスを返す。
// stripが先頭に一致しない場合はパスをそのまま返す。
// 部分文字列置換は転送パスを破壊するため使用しない。パス中の後続
// セグメントがstripトークンと字句的に重なっても除去されない。
func stripSegmentPrefix(path, strip string) string {
	if strip == "" {
		return path
	}

	pathSegs := splitSegments(path)
	stripSegs := splitSegments(strip)
	if !hasSegmentPrefix(pathSegs, stripSegs) {
		return path
	}

	rest := pathSegs[len(stripSegs):]
	if len(rest) == 0 {
		return "/"
	}
	return "/" + strings.Join(rest, "/")
}
