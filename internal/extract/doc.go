// Package extract turns fetched HTML pages and PDF documents into raw
// tables. HTML and PDF parsers implement TableParser; Pipeline applies the
// same post-processing stages to whatever either of them produces.
package extract
