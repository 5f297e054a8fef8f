package browser

import (
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"
)

// FieldDriver translates semantic form intents ("set field X to value V")
// into concrete interaction with the portal's form widgets, including the
// selectpicker-style overlays that hide the native controls.
//
// Every operation is best-effort: a field that cannot be located is logged
// and reported as skipped, never fatal. The calling workflow step decides
// whether a skip is tolerable.
type FieldDriver struct {
	page Page
	log  *zap.Logger
}

// NewFieldDriver creates a field driver over the given page.
func NewFieldDriver(page Page, log *zap.Logger) *FieldDriver {
	return &FieldDriver{page: page, log: log}
}

// SetText writes the value into the first candidate selector that exists,
// verifying the field reflects the value after the write. Returns false
// when no candidate selector matched (the field is skipped).
func (d *FieldDriver) SetText(value string, selectors ...string) bool {
	for _, sel := range selectors {
		exists, err := d.page.Exists(sel)
		if err != nil || !exists {
			continue
		}
		if err := d.page.Fill(sel, value); err != nil {
			d.log.Debug("fill failed, trying next selector", zap.String("selector", sel), zap.Error(err))
			continue
		}
		if d.verifyValue(sel, value) {
			return true
		}
	}
	d.log.Warn("could not set text field", zap.Strings("selectors", selectors))
	return false
}

// SetDateField assigns a date-picker value programmatically and fires the
// change and input events the picker listens for. Direct typing is
// unreliable against these widgets; they only honor scripted assignment.
func (d *FieldDriver) SetDateField(fieldName, value string) bool {
	script := fmt.Sprintf(`(() => {
		const selectors = [
			'input[name=%q]',
			'input[name*=%q]',
			'#%s',
		];
		for (const sel of selectors) {
			const el = document.querySelector(sel);
			if (!el) continue;
			el.value = %q;
			el.dispatchEvent(new Event('change', { bubbles: true }));
			el.dispatchEvent(new Event('input', { bubbles: true }));
			return true;
		}
		return false;
	})()`, fieldName, fieldName, fieldName, value)

	result, err := d.page.Evaluate(script)
	if err != nil {
		d.log.Warn("date field assignment failed", zap.String("field", fieldName), zap.Error(err))
		return false
	}
	if ok, _ := result.(bool); !ok {
		d.log.Warn("could not set date field", zap.String("field", fieldName))
		return false
	}
	return true
}

// SelectOption picks the best-matching option of the named <select> and
// fires the change notification so dependent widgets (the selectpicker
// overlay included) refresh. Falls back to the first non-empty option when
// nothing matches. Returns false when the select itself is absent.
func (d *FieldDriver) SelectOption(fieldName, desired string) bool {
	options, found := d.readOptions(fieldName)
	if !found {
		d.log.Warn("select element not found", zap.String("field", fieldName))
		return false
	}

	idx := BestMatchingOption(options, desired)
	if idx < 0 {
		idx = FirstNonEmptyOption(options)
		if idx < 0 {
			d.log.Warn("select has no usable options", zap.String("field", fieldName))
			return false
		}
		d.log.Warn("no option matched, using first non-empty",
			zap.String("field", fieldName), zap.String("desired", desired),
			zap.String("picked", options[idx].Text))
	}

	if !d.applyOption(fieldName, options[idx].Value) {
		return false
	}
	d.log.Debug("option selected",
		zap.String("field", fieldName),
		zap.String("desired", desired),
		zap.String("picked", options[idx].Text))
	return true
}

// Options returns the option list of the named select. Exposed for steps
// that need to inspect a dependent dropdown's repopulated contents.
func (d *FieldDriver) Options(fieldName string) ([]OptionItem, bool) {
	return d.readOptions(fieldName)
}

// DismissOverlays defensively closes any open date-picker or selectpicker
// overlay so a stray widget does not intercept the next click.
func (d *FieldDriver) DismissOverlays() {
	script := `(() => {
		for (const el of document.querySelectorAll('.datepicker.dropdown-menu, .daterangepicker')) {
			el.style.display = 'none';
		}
		for (const el of document.querySelectorAll('.bootstrap-select.open, .bootstrap-select.show')) {
			el.classList.remove('open', 'show');
		}
		if (document.activeElement && document.activeElement !== document.body) {
			document.activeElement.blur();
		}
		return true;
	})()`
	if _, err := d.page.Evaluate(script); err != nil {
		d.log.Debug("overlay dismissal failed", zap.Error(err))
	}
}

func (d *FieldDriver) verifyValue(selector, want string) bool {
	script := fmt.Sprintf(`(() => {
		const el = document.querySelector(%q);
		return el ? el.value : null;
	})()`, selector)
	result, err := d.page.Evaluate(script)
	if err != nil {
		return false
	}
	got, _ := result.(string)
	return strings.TrimSpace(got) == strings.TrimSpace(want)
}

func (d *FieldDriver) readOptions(fieldName string) ([]OptionItem, bool) {
	script := fmt.Sprintf(`(() => {
		const selectors = [
			'select[name=%q]',
			'select[name*=%q]',
			'select#%s',
		];
		let el = null;
		for (const sel of selectors) {
			el = document.querySelector(sel);
			if (el) break;
		}
		if (!el) return 'SELECT_NOT_FOUND';
		return JSON.stringify(Array.from(el.options).map(o => ({ text: o.text, value: o.value })));
	})()`, fieldName, fieldName, fieldName)

	result, err := d.page.Evaluate(script)
	if err != nil {
		d.log.Warn("option lookup failed", zap.String("field", fieldName), zap.Error(err))
		return nil, false
	}
	raw, _ := result.(string)
	if raw == "" || raw == "SELECT_NOT_FOUND" {
		return nil, false
	}
	var options []OptionItem
	if err := json.Unmarshal([]byte(raw), &options); err != nil {
		d.log.Warn("option list unreadable", zap.String("field", fieldName), zap.Error(err))
		return nil, false
	}
	return options, true
}

// applyOption assigns the select's value and fires the framework change
// notification. The selectpicker refresh keeps the visible overlay in sync
// with the hidden native control.
func (d *FieldDriver) applyOption(fieldName, value string) bool {
	script := fmt.Sprintf(`(() => {
		const selectors = [
			'select[name=%q]',
			'select[name*=%q]',
			'select#%s',
		];
		let el = null;
		for (const sel of selectors) {
			el = document.querySelector(sel);
			if (el) break;
		}
		if (!el) return false;
		el.value = %q;
		el.dispatchEvent(new Event('change', { bubbles: true }));
		if (typeof $ !== 'undefined' && $.fn && $.fn.selectpicker) {
			$(el).selectpicker('refresh');
		}
		return true;
	})()`, fieldName, fieldName, fieldName, value)

	result, err := d.page.Evaluate(script)
	if err != nil {
		d.log.Warn("option assignment failed", zap.String("field", fieldName), zap.Error(err))
		return false
	}
	ok, _ := result.(bool)
	return ok
}
