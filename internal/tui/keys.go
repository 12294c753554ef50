package tui

import "github.com/charmbracelet/bubbles/key"

type keyMap struct {
	Send     key.Binding
	Submit   key.Binding
	Next     key.Binding
	Prev     key.Binding
	Up       key.Binding
	Down     key.Binding
	Select   key.Binding
	Back     key.Binding
	Quit     key.Binding
	ScrollUp key.Binding
	ScrollDn key.Binding
}

var keys = keyMap{
	Send:     key.NewBinding(key.WithKeys("enter")),
	Submit:   key.NewBinding(key.WithKeys("ctrl+s")),
	Next:     key.NewBinding(key.WithKeys("tab")),
	Prev:     key.NewBinding(key.WithKeys("shift+tab")),
	Up:       key.NewBinding(key.WithKeys("up", "k")),
	Down:     key.NewBinding(key.WithKeys("down", "j")),
	Select:   key.NewBinding(key.WithKeys(" ", "x")),
	Back:     key.NewBinding(key.WithKeys("esc")),
	Quit:     key.NewBinding(key.WithKeys("ctrl+c")),
	ScrollUp: key.NewBinding(key.WithKeys("pgup")),
	ScrollDn: key.NewBinding(key.WithKeys("pgdown")),
}
