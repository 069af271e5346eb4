// resolver.go — In-page target resolution.
// A target is resolved by a JavaScript routine evaluated in the page:
// it collects candidates for the target's kind in priority order,
// narrows by scope and proximity, and reports the match count. The
// single survivor is tagged with a data attribute so follow-up actions
// can address it, and the routine takes the document to search so the
// same code serves iframe contexts.
package driver

import (
	"encoding/json"

	"github.com/showrun/showrun/internal/flow"
)

// hitAttr tags the element the resolver settled on.
const hitAttr = "data-showrun-hit"

// hitSelector addresses the tagged element.
const hitSelector = "[" + hitAttr + "]"

// resolveOutcome is what the in-page routine reports back.
type resolveOutcome struct {
	Count        int  `json:"count"`
	Visible      bool `json:"visible"`
	Interactable bool `json:"interactable"`
}

// resolverSpec is the JSON form of a target handed to the page routine.
type resolverSpec struct {
	Kind     string        `json:"kind"`
	Role     string        `json:"role,omitempty"`
	Name     string        `json:"name,omitempty"`
	Text     string        `json:"text,omitempty"`
	Exact    bool          `json:"exact,omitempty"`
	Selector string        `json:"selector,omitempty"`
	Within   *resolverSpec `json:"within,omitempty"`
	Near     *resolverSpec `json:"near,omitempty"`
	First    bool          `json:"first,omitempty"`
	Tag      bool          `json:"tag,omitempty"`
}

func specFromTarget(t *flow.Target, first, tag bool) *resolverSpec {
	if t == nil {
		return nil
	}
	return &resolverSpec{
		Kind:     string(t.Kind),
		Role:     t.Role,
		Name:     t.Name,
		Text:     t.Text,
		Exact:    t.Exact,
		Selector: t.Selector,
		Within:   specFromTarget(t.Within, false, false),
		Near:     specFromTarget(t.Near, false, false),
		First:    first,
		Tag:      tag,
	}
}

// marshalSpec renders a spec as the JS argument literal.
func marshalSpec(t *flow.Target, first, tag bool) (string, error) {
	b, err := json.Marshal(specFromTarget(t, first, tag))
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// resolverJS finds candidates for a target spec inside doc. Role
// targets use a small implicit-role table plus [role=] attributes,
// with the accessible name approximated from aria-label, associated
// label text, visible text, placeholder, alt, and value. Label targets
// locate the control a <label> points at. Proximity picks the
// candidate whose box center is closest to the reference element.
const resolverJS = `function(spec, doc) {
  doc = doc || document;
  const norm = s => (s || '').replace(/\s+/g, ' ').trim();
  const matchText = (hay, needle, exact) => {
    hay = norm(hay); needle = norm(needle);
    return exact ? hay === needle : hay.toLowerCase().includes(needle.toLowerCase());
  };
  const accName = el => {
    if (el.getAttribute('aria-label')) return el.getAttribute('aria-label');
    const labelled = el.getAttribute('aria-labelledby');
    if (labelled) {
      return labelled.split(/\s+/).map(id => {
        const ref = doc.getElementById(id);
        return ref ? ref.textContent : '';
      }).join(' ');
    }
    if (el.id) {
      const lab = doc.querySelector('label[for="' + CSS.escape(el.id) + '"]');
      if (lab) return lab.textContent;
    }
    const wrap = el.closest('label');
    if (wrap) return wrap.textContent;
    if (el.placeholder) return el.placeholder;
    if (el.getAttribute('alt')) return el.getAttribute('alt');
    if (el.tagName === 'INPUT' && (el.type === 'submit' || el.type === 'button')) return el.value;
    return el.textContent;
  };
  const roleSelectors = {
    button: 'button, [role=button], input[type=button], input[type=submit], input[type=reset]',
    link: 'a[href], [role=link]',
    textbox: 'input:not([type]), input[type=text], input[type=email], input[type=password], input[type=search], input[type=tel], input[type=url], input[type=number], textarea, [role=textbox], [contenteditable=true]',
    checkbox: 'input[type=checkbox], [role=checkbox]',
    radio: 'input[type=radio], [role=radio]',
    combobox: 'select, [role=combobox]',
    listbox: 'select[multiple], [role=listbox]',
    heading: 'h1, h2, h3, h4, h5, h6, [role=heading]',
    img: 'img, [role=img]',
    row: 'tr, [role=row]',
    cell: 'td, th, [role=cell], [role=gridcell]',
    option: 'option, [role=option]',
    tab: '[role=tab]',
    menuitem: '[role=menuitem]',
    dialog: 'dialog, [role=dialog]',
  };
  const dist = (rect, c) => {
    const x = rect.left + rect.width / 2 - c.x;
    const y = rect.top + rect.height / 2 - c.y;
    return x * x + y * y;
  };
  const collect = s => {
    let scope = doc;
    if (s.within) {
      const outer = collect(s.within);
      if (outer.length !== 1) return [];
      scope = outer[0];
    }
    let found = [];
    if (s.kind === 'css') {
      found = Array.from(scope.querySelectorAll(s.selector));
    } else if (s.kind === 'role') {
      const sel = roleSelectors[s.role] || '[role=' + s.role + ']';
      found = Array.from(scope.querySelectorAll(sel));
      if (s.name) found = found.filter(el => matchText(accName(el), s.name, s.exact));
    } else if (s.kind === 'label') {
      const labels = Array.from(scope.querySelectorAll('label'))
        .filter(l => matchText(l.textContent, s.text, s.exact));
      for (const l of labels) {
        const ctl = l.htmlFor ? doc.getElementById(l.htmlFor)
                              : l.querySelector('input, textarea, select');
        if (ctl && !found.includes(ctl)) found.push(ctl);
      }
    } else if (s.kind === 'text') {
      for (const el of scope.querySelectorAll('*')) {
        if (!matchText(el.textContent, s.text, s.exact)) continue;
        // Keep only the deepest elements carrying the text.
        if (Array.from(el.children).some(c => matchText(c.textContent, s.text, s.exact))) continue;
        found.push(el);
      }
    }
    if (s.near && found.length > 1) {
      const refs = collect(s.near);
      if (refs.length >= 1) {
        const r = refs[0].getBoundingClientRect();
        const rc = { x: r.left + r.width / 2, y: r.top + r.height / 2 };
        found.sort((a, b) => dist(a.getBoundingClientRect(), rc) - dist(b.getBoundingClientRect(), rc));
        found = [found[0]];
      }
    }
    return found;
  };
  const visible = el => {
    const st = el.ownerDocument.defaultView.getComputedStyle(el);
    if (st.display === 'none' || st.visibility === 'hidden' || st.opacity === '0') return false;
    const r = el.getBoundingClientRect();
    return r.width > 0 && r.height > 0;
  };

  for (const old of doc.querySelectorAll('[data-showrun-hit]')) {
    old.removeAttribute('data-showrun-hit');
  }
  let found = collect(spec);
  if (spec.first && found.length > 1) found = [found[0]];
  const out = { count: found.length, visible: false, interactable: false };
  if (found.length === 1) {
    const el = found[0];
    out.visible = visible(el);
    out.interactable = out.visible && !el.disabled;
    if (spec.tag) el.setAttribute('data-showrun-hit', '');
  }
  return out;
}`
