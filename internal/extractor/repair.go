package extractor

import (
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// voidElements は終了タグを持たない要素の集合。
// 修復パスでスタックに積まない。
var voidElements = map[atom.Atom]bool{
	atom.Area:   true,
	atom.Base:   true,
	atom.Br:     true,
	atom.Col:    true,
	atom.Embed:  true,
	atom.Hr:     true,
	atom.Img:    true,
	atom.Input:  true,
	atom.Link:   true,
	atom.Meta:   true,
	atom.Source: true,
	atom.Track:  true,
	atom.Wbr:    true,
}

// RepairHTML は不均衡なタグを修復したマークアップを返す。
// ストリーミングトークナイザで走査し、開始タグをスタックに積み、
// 終了タグでスタックを巻き戻す。対応しない終了タグは捨て、
// 入力終端で未クローズのタグを逆順で自動クローズする。
// 部分文書でも失敗せず、常に何らかの出力を返す。
func RepairHTML(rawHTML string) string {
	tokenizer := html.NewTokenizer(strings.NewReader(rawHTML))

	var out strings.Builder
	out.Grow(len(rawHTML) + 64)

	// 開いているタグ名のスタック
	var open []string

	for {
		tt := tokenizer.Next()
		switch tt {
		case html.ErrorToken:
			// 入力終端。未クローズのタグを逆順でクローズする。
			for i := len(open) - 1; i >= 0; i-- {
				out.WriteString("</")
				out.WriteString(open[i])
				out.WriteString(">")
			}
			return out.String()

		case html.StartTagToken:
			token := tokenizer.Token()
			out.WriteString(token.String())
			if !voidElements[token.DataAtom] {
				open = append(open, token.Data)
			}

		case html.EndTagToken:
			token := tokenizer.Token()
			// スタック内に対応する開始タグがある場合のみ受理する。
			// 中間のタグは暗黙にクローズする（例: <div><p>x</div>）。
			idx := -1
			for i := len(open) - 1; i >= 0; i-- {
				if open[i] == token.Data {
					idx = i
					break
				}
			}
			if idx < 0 {
				// 対応しない終了タグは捨てる
				continue
			}
			for i := len(open) - 1; i >= idx; i-- {
				out.WriteString("</")
				out.WriteString(open[i])
				out.WriteString(">")
			}
			open = open[:idx]

		default:
			out.WriteString(tokenizer.Token().String())
		}
	}
}
