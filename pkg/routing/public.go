package routing

// PublicPathSet は認証を免除するパスプレフィックスの集合。
// ルートルールとは独立に管理され、明示的に登録されたプレフィックスの
// 配下のみが公開扱いになる。あいまい一致による免除は行わない。
type PublicPathSet struct {
	// prefixes は公開プレフィックスのセグメント列のリスト。
	prefixes [][]string
}

// NewPublicPathSet は公開パスプレフィックスの集合を構築する。
// 各プレフィックスは正規化してから保持する。
func NewPublicPathSet(prefixes []string) *PublicPathSet {
	set := &PublicPathSet{prefixes: make([][]string, 0, len(prefixes))}
	for _, p := range prefixes {
		set.prefixes = append(set.prefixes, splitSegments(NormalizePath(p)))
	}
	return set
}

// Contains は正規化済みパスが公開パス集合に属するか判定する。
// 登録プレフィックスとの完全一致、またはその配下のパスのみが一致する。
func (s *PublicPathSet) Contains(path string) bool {
	pathSegs := splitSegments(path)
	for _, prefixSegs := range s.prefixes {
		// 空のプレフィックス("/")を登録すると全パスが公開になってしまうため除外する
		if len(prefixSegs) == 0 {
			continue
		}
		if hasSegmentPrefix(pathSegs, prefixSegs) {
			return true
		}
	}
	return false
}
