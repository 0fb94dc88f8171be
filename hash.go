package main

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

const articleHashLength = 16

// ArticleHash derives the content identifier of an article from its headline and
// publication day. The time of day is not part of the identity.
func ArticleHash(headline string, published time.Time) string {
	sum := sha256.Sum256([]byte(headline + published.Format("2006-01-02")))
	return hex.EncodeToString(sum[:])[:articleHashLength]
}
