// Package reward scores how much a human checkpoint changed the automated
// output. The score is 1/(1+d) where d is the Levenshtein distance between
// the two texts over Unicode code points. Identical texts score 1.0 and the
// score approaches 0 as edits grow. It is not normalized by length.
package reward

// Score returns 1/(1+d) for the edit distance d between pre and post.
// The result is always in (0, 1] and Score(a, b) == Score(b, a).
func Score(pre, post string) float64 {
	return 1.0 / (1.0 + float64(Distance(pre, post)))
}

// Distance returns the minimum number of single-rune insertions, deletions,
// and substitutions that transform a into b.
func Distance(a, b string) int {
	if a == b {
		return 0
	}
	ra, rb := []rune(a), []rune(b)

	// Trim the common prefix and suffix; they never contribute to the distance.
	for len(ra) > 0 && len(rb) > 0 && ra[0] == rb[0] {
		ra, rb = ra[1:], rb[1:]
	}
	for len(ra) > 0 && len(rb) > 0 && ra[len(ra)-1] == rb[len(rb)-1] {
		ra, rb = ra[:len(ra)-1], rb[:len(rb)-1]
	}
	if len(ra) == 0 {
		return len(rb)
	}
	if len(rb) == 0 {
		return len(ra)
	}
	// Keep the row on the shorter side.
	if len(ra) < len(rb) {
		ra, rb = rb, ra
	}

	row := make([]int, len(rb)+1)
	for j := range row {
		row[j] = j
	}
	for i := 1; i <= len(ra); i++ {
		diag := row[0]
		row[0] = i
		for j := 1; j <= len(rb); j++ {
			cost := 1
			if ra[i-1] == rb[j-1] {
				cost = 0
			}
			next := min(row[j]+1, row[j-1]+1, diag+cost)
			diag = row[j]
			row[j] = next
		}
	}
	return row[len(rb)]
}
