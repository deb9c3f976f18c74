package web

import _ "embed"

// WidgetJS is the default embeddable widget script.
//
//go:embed widget.js
var WidgetJS []byte
