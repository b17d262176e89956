// Package distribution edits the Distribution installer script of a product
// archive so that it offers a newly merged package as an install choice.
package distribution
