package wire

import "strconv"

// QueryID is the message id of a leaf's search for fileName. The same id is
// used to clean the search out of the ledgers once the leaf drops its copy.
func QueryID(leaf, fileName string) string {
	return leaf + "_" + fileName
}

// InvalidationID is the message id of the invalidation announcing version of
// fileName, mastered at leaf.
func InvalidationID(leaf, fileName string, version int) string {
	return leaf + "_" + fileName + "_" + strconv.Itoa(version)
}
