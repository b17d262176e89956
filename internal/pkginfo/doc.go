// Package pkginfo renders the PackageInfo manifest of a flat package.
//
// Render performs ordered, literal placeholder substitution on a template
// file. Prepare measures the staged root/ tree and renders the four standard
// placeholders. Parse reads a rendered document back. The plist helpers let
// extra build steps adjust property lists inside the staged tree.
package pkginfo
