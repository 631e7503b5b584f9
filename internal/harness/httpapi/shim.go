package httpapi

import "html/template"

// shimScript runs before any included file. It exposes
// window.__harness__.complete, ties the Emscripten Module exit hooks to it and,
// when asked, forwards console calls to the harness in call order.
const shimScript template.JS = `(function () {
  var cfg = window.__harnessConfig || {};
  var finished = false;

  function post(path, body) {
    try {
      var xhr = new XMLHttpRequest();
      xhr.open('POST', path + '?run=' + encodeURIComponent(cfg.runId || ''), false);
      xhr.setRequestHeader('Content-Type', 'application/json');
      xhr.send(JSON.stringify(body));
    } catch (e) {}
  }

  function describe(v) {
    if (typeof v === 'string') return v;
    if (v instanceof Error) return v.stack || String(v);
    try { return JSON.stringify(v); } catch (e) { return String(v); }
  }

  function complete(code, message) {
    if (finished) return;
    finished = true;
    post('/__harness__/complete', { code: code | 0, message: message ? String(message) : '' });
  }
  window.__harness__ = { complete: complete };

  if (cfg.forwardConsole) {
    ['log', 'info', 'warn', 'error', 'debug'].forEach(function (level) {
      var orig = console[level] ? console[level].bind(console) : function () {};
      console[level] = function () {
        var parts = [];
        for (var i = 0; i < arguments.length; i++) parts.push(describe(arguments[i]));
        post('/__harness__/console', { level: level, text: parts.join(' ') });
        orig.apply(null, arguments);
      };
    });
    window.addEventListener('error', function (ev) {
      var text = ev.error && ev.error.stack ? ev.error.stack : String(ev.message);
      post('/__harness__/console', { level: 'error', source: 'exception', text: text });
    });
  }

  var M = window.Module = window.Module || {};
  if (!M.locateFile) {
    M.locateFile = function (path) { return cfg.basePrefix + path; };
  }
  var prevExit = M.onExit;
  var prevAbort = M.onAbort;
  M.onExit = function (code) {
    if (prevExit) prevExit(code);
    complete(code, 'exit');
  };
  M.onAbort = function (what) {
    if (prevAbort) prevAbort(what);
    complete(1, 'abort: ' + describe(what));
  };
})();`
